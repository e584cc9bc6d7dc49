package schema

import "sync"

// Legacy packet kind codes.
const (
	KindSyncRequest            uint16 = 1
	KindSyncResult             uint16 = 2
	KindFood                   uint16 = 3
	KindExercise               uint16 = 4
	KindFoodEntry              uint16 = 5
	KindExerciseEntry          uint16 = 6
	KindClientFoodEntry        uint16 = 7
	KindClientExerciseEntry    uint16 = 8
	KindMeasurementTypes       uint16 = 9
	KindMeasurementValue       uint16 = 10
	KindMealIngredients        uint16 = 11
	KindMasterIDAssignment     uint16 = 12
	KindUserPropertyUpdate     uint16 = 13
	KindUserRegistration       uint16 = 14
	KindWaterEntry             uint16 = 16
	KindDeleteItem             uint16 = 17
	KindSearchRequest          uint16 = 18
	KindSearchResponse         uint16 = 19
	KindFailedItemCreation     uint16 = 20
	KindAddDeletedMostUsedFood uint16 = 21
	KindDiaryNote              uint16 = 23
)

// UnknownKind names packets whose code is not registered.
const UnknownKind = "Unknown"

// Food record tags.
const (
	FoodTagMasterID         uint16 = 1
	FoodTagOwnerMasterID    uint16 = 2
	FoodTagOriginalMasterID uint16 = 3
	FoodTagDescription      uint16 = 4
	FoodTagBrand            uint16 = 5
	FoodTagFlags            uint16 = 6
	FoodTagNutrients        uint16 = 7
	FoodTagGrams            uint16 = 8
	FoodTagType             uint16 = 9
	FoodTagPortions         uint16 = 10
)

// Food flag bits and type values.
const (
	FoodFlagPublic  int64 = 0x1
	FoodFlagDeleted int64 = 0x2
	FoodTypeMeal    int64 = 1
)

// Nutrient names in wire order; nutrient i travels under tag i+1.
var nutrientNames = []string{
	"calories",
	"fat",
	"saturated_fat",
	"polyunsaturated_fat",
	"monounsaturated_fat",
	"trans_fat",
	"cholesterol",
	"sodium",
	"potassium",
	"carbohydrates",
	"fiber",
	"sugar",
	"protein",
	"vitamin_a",
	"vitamin_c",
	"calcium",
	"iron",
}

// NutrientNames returns the nutrient field names in wire order.
func NutrientNames() []string {
	return append([]string(nil), nutrientNames...)
}

func nutrientFields() []FieldSpec {
	out := make([]FieldSpec, len(nutrientNames))
	for i, name := range nutrientNames {
		out[i] = FieldSpec{Tag: uint16(i + 1), Name: name, Type: TypeFloat}
	}
	return out
}

func portionFields() []FieldSpec {
	return []FieldSpec{
		{Tag: 1, Name: "amount", Type: TypeFloat},
		{Tag: 2, Name: "gram_weight", Type: TypeFloat},
		{Tag: 3, Name: "description", Type: TypeText},
		{Tag: 4, Name: "fraction_int", Type: TypeInt, Flags: []Flag{{Name: "is_fraction", Mask: -1}}},
	}
}

func foodFields() []FieldSpec {
	return []FieldSpec{
		{Tag: FoodTagMasterID, Name: "master_food_id", Type: TypeInt, Required: true},
		{Tag: FoodTagOwnerMasterID, Name: "owner_user_master_id", Type: TypeInt},
		{Tag: FoodTagOriginalMasterID, Name: "original_master_id", Type: TypeInt},
		{Tag: FoodTagDescription, Name: "description", Type: TypeText, Required: true},
		{Tag: FoodTagBrand, Name: "brand", Type: TypeText},
		{Tag: FoodTagFlags, Name: "flags", Type: TypeInt, Flags: []Flag{
			{Name: "is_public", Mask: FoodFlagPublic},
			{Name: "is_deleted", Mask: FoodFlagDeleted},
		}},
		{Tag: FoodTagNutrients, Name: "nutrients", Type: TypeGroup, Sub: nutrientFields()},
		{Tag: FoodTagGrams, Name: "grams", Type: TypeFloat},
		{Tag: FoodTagType, Name: "type", Type: TypeInt, Flags: []Flag{{Name: "is_meal", Equal: FoodTypeMeal}}},
		{Tag: FoodTagPortions, Name: "portions", Type: TypeList, Sub: portionFields()},
	}
}

func exerciseFields() []FieldSpec {
	return []FieldSpec{
		{Tag: 1, Name: "master_exercise_id", Type: TypeInt, Required: true},
		{Tag: 2, Name: "owner_user_master_id", Type: TypeInt},
		{Tag: 3, Name: "original_master_exercise_id", Type: TypeInt},
		{Tag: 4, Name: "exercise_type", Type: TypeInt},
		{Tag: 5, Name: "description", Type: TypeText, Required: true},
		{Tag: 6, Name: "flags", Type: TypeInt, Flags: []Flag{
			{Name: "is_public", Mask: 0x1},
			{Name: "is_deleted", Mask: 0x2},
		}},
		{Tag: 7, Name: "mets", Type: TypeFloat},
	}
}

// Catalog returns the legacy kind table. Each call builds fresh specs.
func Catalog() []KindSpec {
	return []KindSpec{
		{Code: KindSyncRequest, Name: "SyncRequest", Fields: []FieldSpec{
			{Tag: 1, Name: "api_version", Type: TypeInt},
			{Tag: 2, Name: "client_revision", Type: TypeInt},
			{Tag: 3, Name: "username", Type: TypeText},
			{Tag: 5, Name: "flags", Type: TypeInt},
			{Tag: 6, Name: "device_id", Type: TypeUUID},
			{Tag: 8, Name: "marker", Type: TypeText},
			{Tag: 9, Name: "sync_pointers", Type: TypeMap},
		}},
		{Code: KindSyncResult, Name: "SyncResult", Fields: []FieldSpec{
			{Tag: 1, Name: "status_code", Type: TypeInt, Required: true},
			{Tag: 2, Name: "error_message", Type: TypeText},
			{Tag: 3, Name: "extra_message", Type: TypeText},
			{Tag: 4, Name: "master_id", Type: TypeInt},
			{Tag: 5, Name: "flags", Type: TypeInt, Flags: []Flag{
				{Name: "more_data_to_sync", Mask: 0x1},
				{Name: "upgrade_available", Mask: 0x2},
			}},
			{Tag: 6, Name: "expected_packet_count", Type: TypeInt},
			{Tag: 7, Name: "marker", Type: TypeText},
			{Tag: 9, Name: "sync_pointers", Type: TypeMap},
		}},
		{Code: KindFood, Name: "Food", Fields: foodFields()},
		{Code: KindExercise, Name: "Exercise", Fields: exerciseFields()},
		{Code: KindFoodEntry, Name: "FoodEntry", Fields: []FieldSpec{
			{Tag: 1, Name: "master_food_entry_id", Type: TypeInt, Required: true},
			{Tag: 2, Name: "food", Type: TypeGroup, Sub: foodFields()},
			{Tag: 3, Name: "date", Type: TypeDate, Required: true},
			{Tag: 4, Name: "meal_name", Type: TypeText},
			{Tag: 5, Name: "quantity", Type: TypeFloat},
			{Tag: 6, Name: "weight_index", Type: TypeInt},
			{Tag: 7, Name: "logged_at", Type: TypeTimestamp},
		}},
		{Code: KindExerciseEntry, Name: "ExerciseEntry", Fields: []FieldSpec{
			{Tag: 1, Name: "master_exercise_entry_id", Type: TypeInt, Required: true},
			{Tag: 2, Name: "exercise", Type: TypeGroup, Sub: exerciseFields()},
			{Tag: 3, Name: "date", Type: TypeDate, Required: true},
			{Tag: 4, Name: "quantity", Type: TypeInt},
			{Tag: 5, Name: "sets", Type: TypeInt},
			{Tag: 6, Name: "weight", Type: TypeInt},
			{Tag: 7, Name: "calories", Type: TypeInt},
		}},
		{Code: KindClientFoodEntry, Name: "ClientFoodEntry"},
		{Code: KindClientExerciseEntry, Name: "ClientExerciseEntry"},
		{Code: KindMeasurementTypes, Name: "MeasurementTypes", Fields: []FieldSpec{
			{Tag: 1, Name: "descriptions", Type: TypeMap},
		}},
		{Code: KindMeasurementValue, Name: "MeasurementValue", Fields: []FieldSpec{
			{Tag: 1, Name: "master_measurement_id", Type: TypeInt, Required: true},
			{Tag: 2, Name: "type_name", Type: TypeText, Required: true},
			{Tag: 3, Name: "entry_date", Type: TypeDate},
			{Tag: 4, Name: "value", Type: TypeFloat},
		}},
		{Code: KindMealIngredients, Name: "MealIngredients", Fields: []FieldSpec{
			{Tag: 1, Name: "master_food_id", Type: TypeInt, Required: true},
			{Tag: 2, Name: "ingredients", Type: TypeList, Sub: []FieldSpec{
				{Tag: 1, Name: "master_ingredient_id", Type: TypeInt},
				{Tag: 2, Name: "master_food_id", Type: TypeInt},
				{Tag: 3, Name: "fraction_int", Type: TypeInt, Flags: []Flag{{Name: "is_fraction", Positive: true}}},
				{Tag: 4, Name: "quantity", Type: TypeFloat},
				{Tag: 5, Name: "weight_index", Type: TypeInt},
			}},
		}},
		{Code: KindMasterIDAssignment, Name: "MasterIdAssignment"},
		{Code: KindUserPropertyUpdate, Name: "UserPropertyUpdate", Fields: []FieldSpec{
			{Tag: 1, Name: "properties", Type: TypeMap},
		}},
		{Code: KindUserRegistration, Name: "UserRegistration"},
		{Code: KindWaterEntry, Name: "WaterEntry"},
		{Code: KindDeleteItem, Name: "DeleteItem", Fields: []FieldSpec{
			{Tag: 1, Name: "item_type", Type: TypeInt},
			{Tag: 2, Name: "master_id", Type: TypeInt, Required: true},
			{Tag: 3, Name: "status", Type: TypeInt, Flags: []Flag{{Name: "is_destroyed", Equal: 2}}},
		}},
		{Code: KindSearchRequest, Name: "SearchRequest"},
		{Code: KindSearchResponse, Name: "SearchResponse"},
		{Code: KindFailedItemCreation, Name: "FailedItemCreation"},
		{Code: KindAddDeletedMostUsedFood, Name: "AddDeletedMostUsedFood"},
		{Code: KindDiaryNote, Name: "DiaryNote"},
	}
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r, err := NewRegistry(Catalog()...)
	if err != nil {
		panic(err)
	}
	return r
})

// Default returns the shared registry built from Catalog.
func Default() *Registry {
	return defaultRegistry()
}
