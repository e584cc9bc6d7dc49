package packet

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/tlv"
	"github.com/danmuck/mfpsync/internal/testutil/testlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func foodFrame(id int64, description string) tlv.Frame {
	return tlv.Frame{
		tlv.NewInt(schema.FoodTagMasterID, id),
		tlv.NewText(schema.FoodTagDescription, description),
		tlv.NewText(schema.FoodTagBrand, "Chobani"),
		tlv.NewInt(schema.FoodTagFlags, schema.FoodFlagPublic),
		tlv.NewNested(schema.FoodTagNutrients, tlv.Frame{
			tlv.NewFloat32(1, 100),
			tlv.NewFloat32(13, 17.5),
		}),
		tlv.NewInt(schema.FoodTagType, 0),
		tlv.NewNested(schema.FoodTagPortions, tlv.Frame{
			tlv.NewNested(1, tlv.Frame{
				tlv.NewFloat32(1, 1),
				tlv.NewFloat32(2, 170),
				tlv.NewText(3, "container"),
				tlv.NewInt(4, 0),
			}),
		}),
	}
}

func TestNormalizeFood(t *testing.T) {
	testlog.Start(t)
	n := NewNormalizer(nil)
	p, err := n.Normalize(schema.KindFood, foodFrame(42, "Greek yogurt"))
	require.NoError(t, err)

	assert.Equal(t, "Food", p.Kind())
	assert.Equal(t, schema.KindFood, p.Code())
	id, ok := p.Int("master_food_id")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
	desc, _ := p.Text("description")
	assert.Equal(t, "Greek yogurt", desc)

	public, _ := p.Bool("is_public")
	deleted, _ := p.Bool("is_deleted")
	meal, _ := p.Bool("is_meal")
	assert.True(t, public)
	assert.False(t, deleted)
	assert.False(t, meal)

	nutrients, ok := p.Group("nutrients")
	require.True(t, ok)
	assert.Equal(t, float64(100), nutrients["calories"])
	assert.Equal(t, 17.5, nutrients["protein"])
	assert.NotContains(t, nutrients, "fat")

	portions, ok := p.List("portions")
	require.True(t, ok)
	require.Len(t, portions, 1)
	assert.Equal(t, "container", portions[0]["description"])
	assert.Equal(t, false, portions[0]["is_fraction"])
	assert.Empty(t, p.Opaque())
}

func TestNormalizePreservesUnknownFields(t *testing.T) {
	testlog.Start(t)
	f := append(foodFrame(1, "apple"), tlv.NewRaw(900, []byte{0xca, 0xfe}), tlv.NewText(901, "later"))
	p, err := NewNormalizer(nil).Normalize(schema.KindFood, f)
	require.NoError(t, err)

	v, ok := p.OpaqueValue(900)
	require.True(t, ok)
	assert.True(t, tlv.EqualValues(tlv.Raw{0xca, 0xfe}, v))
	assert.True(t, p.Opaque().Equal(tlv.Frame{tlv.NewRaw(900, []byte{0xca, 0xfe}), tlv.NewText(901, "later")}))
	_, named := p.Get("900")
	assert.False(t, named)
}

func TestNormalizeNestedUnknownFieldsKept(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{
		tlv.NewInt(schema.FoodTagMasterID, 1),
		tlv.NewText(schema.FoodTagDescription, "rice"),
		tlv.NewNested(schema.FoodTagNutrients, tlv.Frame{tlv.NewFloat32(1, 130), tlv.NewInt(77, 5)}),
	}
	p, err := NewNormalizer(nil).Normalize(schema.KindFood, f)
	require.NoError(t, err)
	nutrients, _ := p.Group("nutrients")
	extra, ok := nutrients[OpaqueKey].(tlv.Frame)
	require.True(t, ok)
	assert.True(t, extra.Equal(tlv.Frame{tlv.NewInt(77, 5)}))

	plain := p.Plain()["nutrients"].(map[string]any)
	assert.Equal(t, map[string]any{"77": int64(5)}, plain[OpaqueKey])
}

func TestNormalizeMissingDescription(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{tlv.NewInt(schema.FoodTagMasterID, 7)}
	_, err := NewNormalizer(nil).Normalize(schema.KindFood, f)
	var se *schema.SchemaError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "Food", se.Kind)
	assert.Equal(t, "description", se.MissingField)
}

func TestNormalizeNestedMissingFieldPath(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{
		tlv.NewInt(1, 5),
		tlv.NewNested(2, tlv.Frame{tlv.NewInt(schema.FoodTagMasterID, 9)}),
		tlv.NewText(3, "2013-04-01"),
	}
	_, err := NewNormalizer(nil).Normalize(schema.KindFoodEntry, f)
	var se *schema.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "FoodEntry", se.Kind)
	assert.Equal(t, "food.description", se.MissingField)
}

func TestNormalizeCoercionFailure(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{
		tlv.NewInt(schema.FoodTagMasterID, 1),
		tlv.NewInt(schema.FoodTagDescription, 12),
	}
	_, err := NewNormalizer(nil).Normalize(schema.KindFood, f)
	var se *schema.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "description", se.Field)
	assert.Equal(t, "want text, got int", se.Reason)
}

func TestNormalizeRepeatedKnownTagRejected(t *testing.T) {
	testlog.Start(t)
	f := append(foodFrame(1, "a"), tlv.NewText(schema.FoodTagDescription, "b"))
	_, err := NewNormalizer(nil).Normalize(schema.KindFood, f)
	var se *schema.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "description", se.Field)
}

func TestNormalizeFloatAcceptsInt(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{
		tlv.NewInt(1, 3),
		tlv.NewText(2, "weight"),
		tlv.NewText(3, "2012-12-25"),
		tlv.NewInt(4, 180),
	}
	p, err := NewNormalizer(nil).Normalize(schema.KindMeasurementValue, f)
	require.NoError(t, err)
	v, ok := p.Float("value")
	require.True(t, ok)
	assert.Equal(t, float64(180), v)
	d, ok := p.Time("entry_date")
	require.True(t, ok)
	assert.Equal(t, time.Date(2012, 12, 25, 0, 0, 0, 0, time.UTC), d)
}

func TestNormalizeBadDate(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{tlv.NewInt(1, 3), tlv.NewText(2, "weight"), tlv.NewText(3, "12/25/2012")}
	_, err := NewNormalizer(nil).Normalize(schema.KindMeasurementValue, f)
	var se *schema.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "entry_date", se.Field)
}

func TestNormalizeMaps(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{
		tlv.NewNested(1, tlv.Frame{
			tlv.NewNested(1, tlv.Frame{tlv.NewInt(schema.MapKeyTag, 1), tlv.NewText(schema.MapValueTag, "Weight")}),
			tlv.NewNested(1, tlv.Frame{tlv.NewInt(schema.MapKeyTag, 2), tlv.NewText(schema.MapValueTag, "Neck")}),
		}),
	}
	p, err := NewNormalizer(nil).Normalize(schema.KindMeasurementTypes, f)
	require.NoError(t, err)
	got, ok := p.Group("descriptions")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"1": "Weight", "2": "Neck"}, got)
}

func TestNormalizeDeleteItemDerivedFlag(t *testing.T) {
	testlog.Start(t)
	p, err := NewNormalizer(nil).Normalize(schema.KindDeleteItem, tlv.Frame{
		tlv.NewInt(1, 3),
		tlv.NewInt(2, 99),
		tlv.NewInt(3, 2),
	})
	require.NoError(t, err)
	destroyed, _ := p.Bool("is_destroyed")
	assert.True(t, destroyed)
}

func TestNormalizeUnknownKind(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{tlv.NewInt(1, 1), tlv.NewText(2, "x")}
	p, err := NewNormalizer(nil).Normalize(15, f)
	require.NoError(t, err)
	assert.Equal(t, schema.UnknownKind, p.Kind())
	assert.Equal(t, uint16(15), p.Code())
	assert.Zero(t, p.Len())
	assert.True(t, p.Opaque().Equal(f))
}

func TestNormalizeUUIDField(t *testing.T) {
	testlog.Start(t)
	id := uuid.New()
	p, err := NewNormalizer(nil).Normalize(schema.KindSyncRequest, tlv.Frame{tlv.NewRaw(6, id[:])})
	require.NoError(t, err)
	got, ok := p.UUID("device_id")
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestPacketAccessorsReturnCopies(t *testing.T) {
	testlog.Start(t)
	p, err := NewNormalizer(nil).Normalize(schema.KindFood, append(foodFrame(1, "a"), tlv.NewRaw(500, []byte{1})))
	require.NoError(t, err)

	g, _ := p.Group("nutrients")
	g["calories"] = float64(-1)
	again, _ := p.Group("nutrients")
	assert.Equal(t, float64(100), again["calories"])

	fields := p.Fields()
	delete(fields, "description")
	_, ok := p.Text("description")
	assert.True(t, ok)

	op := p.Opaque()
	op[0].Value.(tlv.Raw)[0] = 9
	v, _ := p.OpaqueValue(500)
	assert.True(t, tlv.EqualValues(tlv.Raw{1}, v))
}

func TestPlainFrameRepeatedTags(t *testing.T) {
	testlog.Start(t)
	got := PlainFrame(tlv.Frame{
		tlv.NewInt(1, 1),
		tlv.NewInt(1, 2),
		tlv.NewInt(1, 3),
		tlv.NewNested(2, tlv.Frame{tlv.NewText(1, "x")}),
	})
	assert.Equal(t, map[string]any{
		"1": []any{int64(1), int64(2), int64(3)},
		"2": map[string]any{"1": "x"},
	}, got)
}

func entryFrame(food tlv.Frame, quantity float32, weightIndex int64) tlv.Frame {
	return tlv.Frame{
		tlv.NewInt(1, 900),
		tlv.NewNested(2, food),
		tlv.NewText(3, "2024-01-02"),
		tlv.NewText(4, "Breakfast"),
		tlv.NewFloat32(5, quantity),
		tlv.NewInt(6, weightIndex),
		tlv.NewText(7, "2024-01-02 08:30:00"),
	}
}

func gramsFood(grams float32) tlv.Frame {
	return tlv.Frame{
		tlv.NewInt(schema.FoodTagMasterID, 7),
		tlv.NewText(schema.FoodTagDescription, "Oats"),
		tlv.NewNested(schema.FoodTagNutrients, tlv.Frame{
			tlv.NewFloat32(1, 100),
			tlv.NewFloat32(13, 17.5),
		}),
		tlv.NewFloat32(schema.FoodTagGrams, grams),
		tlv.NewNested(schema.FoodTagPortions, tlv.Frame{
			tlv.NewNested(1, tlv.Frame{tlv.NewFloat32(1, 1), tlv.NewFloat32(2, 170), tlv.NewText(3, "cup")}),
			tlv.NewNested(1, tlv.Frame{tlv.NewFloat32(1, 1), tlv.NewFloat32(2, 30), tlv.NewText(3, "scoop")}),
		}),
	}
}

func TestNormalizeFoodEntryScalesNutrients(t *testing.T) {
	testlog.Start(t)
	p, err := NewNormalizer(nil).Normalize(schema.KindFoodEntry, entryFrame(gramsFood(100), 2, 1))
	require.NoError(t, err)

	portion, ok := p.Group("portion")
	require.True(t, ok)
	assert.Equal(t, "scoop", portion["description"])

	nutrients, ok := p.Group("nutrients")
	require.True(t, ok)
	assert.InDelta(t, 60.0, nutrients["calories"], 1e-6)
	assert.InDelta(t, 10.5, nutrients["protein"], 1e-6)

	food, _ := p.Group("food")
	raw := food["nutrients"].(map[string]any)
	assert.InDelta(t, 100.0, raw["calories"], 1e-6, "food nutrients stay per food.grams")
}

func TestNormalizeFoodEntryWeightIndexOutOfRange(t *testing.T) {
	testlog.Start(t)
	for _, idx := range []int64{2, -1} {
		p, err := NewNormalizer(nil).Normalize(schema.KindFoodEntry, entryFrame(gramsFood(100), 2, idx))
		require.NoError(t, err, idx)
		_, ok := p.Get("portion")
		assert.False(t, ok, idx)
		_, ok = p.Get("nutrients")
		assert.False(t, ok, idx)
	}
}

func TestNormalizeFoodEntryZeroGrams(t *testing.T) {
	testlog.Start(t)
	p, err := NewNormalizer(nil).Normalize(schema.KindFoodEntry, entryFrame(gramsFood(0), 2, 0))
	require.NoError(t, err)
	portion, ok := p.Group("portion")
	require.True(t, ok)
	assert.Equal(t, "cup", portion["description"])
	_, ok = p.Get("nutrients")
	assert.False(t, ok)
}

func TestPlainRendersDatesInWireLayout(t *testing.T) {
	testlog.Start(t)
	p, err := NewNormalizer(nil).Normalize(schema.KindFoodEntry, entryFrame(gramsFood(100), 1, 0))
	require.NoError(t, err)
	plain := p.Plain()
	assert.Equal(t, "2024-01-02", plain["date"])
	assert.Equal(t, "2024-01-02 08:30:00", plain["logged_at"])

	logged, ok := p.Time("logged_at")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 30, 0, 0, time.UTC), logged)
	assert.IsType(t, time.Time{}, p.Fields()["date"])
}

func TestPlainDropsNonFiniteFloats(t *testing.T) {
	testlog.Start(t)
	f := tlv.Frame{
		tlv.NewInt(schema.FoodTagMasterID, 1),
		tlv.NewText(schema.FoodTagDescription, "Mystery"),
		tlv.NewNested(schema.FoodTagNutrients, tlv.Frame{
			tlv.NewFloat32(1, float32(math.NaN())),
			tlv.NewFloat32(2, float32(math.Inf(1))),
			tlv.NewFloat32(13, 4),
		}),
	}
	p, err := NewNormalizer(nil).Normalize(schema.KindFood, f)
	require.NoError(t, err)
	nutrients := p.Plain()["nutrients"].(map[string]any)
	assert.Nil(t, nutrients["calories"])
	assert.Nil(t, nutrients["fat"])
	assert.Equal(t, 4.0, nutrients["protein"])
}

func TestMealIngredientFractionNeedsPositive(t *testing.T) {
	testlog.Start(t)
	cases := map[int64]bool{-3: false, 0: false, 2: true}
	for fraction, want := range cases {
		f := tlv.Frame{
			tlv.NewInt(1, 10),
			tlv.NewNested(2, tlv.Frame{
				tlv.NewNested(1, tlv.Frame{tlv.NewInt(2, 11), tlv.NewInt(3, fraction)}),
			}),
		}
		p, err := NewNormalizer(nil).Normalize(schema.KindMealIngredients, f)
		require.NoError(t, err)
		items, ok := p.List("ingredients")
		require.True(t, ok)
		assert.Equal(t, want, items[0]["is_fraction"], fraction)
	}
}
