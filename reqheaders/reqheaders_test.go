package reqheaders

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	headers, err := Parse(`[["X-Device-Id", "Accept-Language"], ["stb-42", "de-DE"]]`)
	require.NoError(t, err)
	assert.Equal(t, []Header{
		{Key: "X-Device-Id", Value: "stb-42"},
		{Key: "Accept-Language", Value: "de-DE"},
	}, headers)

	headers, err = Parse(`[[], []]`)
	require.NoError(t, err)
	assert.Empty(t, headers)
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"X-A": "1"}`,
		`[["X-A"]]`,
		`[["X-A"], ["1"], ["2"]]`,
		`[["X-A", "X-B"], ["1"]]`,
		`[["X-A"], [1]]`,
		`[[""], ["1"]]`,
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformedHeaders, "raw %q", raw)
	}
}

func TestApply(t *testing.T) {
	table := New(nil)
	require.NoError(t, table.SetJSON("p1", `[["X-Device-Id", "Accept-Language", "x-device-id"], ["stb-42", "de-DE", "stb-43"]]`))

	req := httptest.NewRequest("GET", "https://apps.example.com/index.html", nil)
	req.Header.Set("Accept-Language", "en-US")

	assert.Equal(t, 3, table.Apply("p1", req))
	assert.Equal(t, "de-DE", req.Header.Get("Accept-Language"))
	assert.Equal(t, "stb-43", req.Header.Get("X-Device-Id"), "later entry wins")

	other := httptest.NewRequest("GET", "https://apps.example.com/", nil)
	assert.Zero(t, table.Apply("p2", other))
	assert.Empty(t, other.Header)
}

func TestSetReplacesAndRemove(t *testing.T) {
	table := New(nil)
	require.NoError(t, table.SetJSON("p1", `[["X-A", "X-B"], ["1", "2"]]`))
	require.NoError(t, table.SetJSON("p1", `[["X-C"], ["3"]]`))
	assert.Equal(t, []Header{{Key: "X-C", Value: "3"}}, table.Headers("p1"))

	assert.Error(t, table.SetJSON("p1", `[["X-D"]]`))
	assert.Equal(t, []Header{{Key: "X-C", Value: "3"}}, table.Headers("p1"), "malformed list keeps the previous one")

	table.Remove("p1")
	assert.Empty(t, table.Headers("p1"))
}
