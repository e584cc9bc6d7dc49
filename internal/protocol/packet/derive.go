package packet

import "math"

// derivers add computed fields once a kind's wire fields are coerced.
var derivers = map[string]func(fields map[string]any){
	"FoodEntry": deriveFoodEntry,
}

// deriveFoodEntry adds the logged portion, food.portions[weight_index], and
// the food's nutrients scaled to what was eaten:
// nutrient * quantity * portion.gram_weight / food.grams.
// A value is left out when its inputs are missing, out of range or zero grams.
func deriveFoodEntry(fields map[string]any) {
	food, ok := fields["food"].(map[string]any)
	if !ok {
		return
	}
	portions, _ := food["portions"].([]map[string]any)
	// weight_index defaults to the first portion
	idx, _ := fields["weight_index"].(int64)
	if idx < 0 || idx >= int64(len(portions)) {
		return
	}
	portion := portions[idx]
	fields["portion"] = cloneMap(portion)

	quantity, ok := fields["quantity"].(float64)
	if !ok {
		return
	}
	gramWeight, ok := portion["gram_weight"].(float64)
	if !ok {
		return
	}
	grams, ok := food["grams"].(float64)
	if !ok || grams == 0 {
		return
	}
	nutrients, ok := food["nutrients"].(map[string]any)
	if !ok {
		return
	}
	multiplier := quantity * gramWeight / grams
	if math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return
	}
	scaled := make(map[string]any, len(nutrients))
	for name, v := range nutrients {
		if f, ok := v.(float64); ok {
			scaled[name] = f * multiplier
		}
	}
	fields["nutrients"] = scaled
}
