package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFactsJSONObject(t *testing.T) {
	raw := `{"facts": ["User lives in Berlin", "User prefers tea"]}`
	assert.Equal(t, []string{"User lives in Berlin", "User prefers tea"}, parseFacts(raw))
}

func TestParseFactsFencedWithProse(t *testing.T) {
	raw := "Here you go:\n```json\n{\"facts\": [\"User has a cat\"]}\n```"
	assert.Equal(t, []string{"User has a cat"}, parseFacts(raw))
}

func TestParseFactsBareArray(t *testing.T) {
	raw := `["User is vegetarian", "User works nights"]`
	assert.Equal(t, []string{"User is vegetarian", "User works nights"}, parseFacts(raw))
}

func TestParseFactsLines(t *testing.T) {
	raw := "FACT: User plays chess\nsome chatter\nFACT: User dislikes spoilers"
	assert.Equal(t, []string{"User plays chess", "User dislikes spoilers"}, parseFacts(raw))
}

func TestParseFactsNone(t *testing.T) {
	assert.Nil(t, parseFacts("NONE"))
	assert.Nil(t, parseFacts("none"))
	assert.Nil(t, parseFacts("   "))
}

func TestParseFactsDedupesCaseInsensitive(t *testing.T) {
	raw := `{"facts": ["User likes jazz", "user likes jazz", "User likes jazz "]}`
	assert.Equal(t, []string{"User likes jazz"}, parseFacts(raw))
}

func TestParseFactsJSONEmbeddedInText(t *testing.T) {
	raw := `Sure. {"facts": ["User said \"hi {there}\""]} Hope that helps.`
	assert.Equal(t, []string{`User said "hi {there}"`}, parseFacts(raw))
}

func TestJSONRegionBalancesThroughStrings(t *testing.T) {
	s := `noise {"a": "closing } brace", "b": {"c": 1}} tail`
	assert.Equal(t, `{"a": "closing } brace", "b": {"c": 1}}`, jsonRegion(s, '{', '}'))
}

func TestJSONRegionUnbalanced(t *testing.T) {
	assert.Equal(t, "", jsonRegion(`{"a": 1`, '{', '}'))
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"User Likes  Jazz!",
		"  user   likes jazz  ",
		"USER-LIKES-JAZZ",
	}
	for _, in := range inputs {
		once := normalize(in)
		assert.Equal(t, "user likes jazz", once)
		assert.Equal(t, once, normalize(once))
	}
}

func TestNormalizeCollapsesPunctuationAndCase(t *testing.T) {
	assert.Equal(t, normalize("The user's cat, Momo"), normalize("the USER s cat momo"))
}
