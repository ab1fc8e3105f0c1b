package templates

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderContextValues(t *testing.T) {
	out, err := Render("Weather in {{CITY}} for {{USER}}?", map[string]string{
		"CITY": "Madrid",
		"USER": "Tom & Jerry",
	})
	require.NoError(t, err)
	assert.Equal(t, "Weather in Madrid for Tom & Jerry?", out, "values are not HTML escaped")
}

func TestRenderWithoutPlaceholders(t *testing.T) {
	out, err := Render(`Return {"a": 1}`, nil)
	require.NoError(t, err)
	assert.Equal(t, `Return {"a": 1}`, out)
}

func TestRenderMissingKeyIsEmpty(t *testing.T) {
	out, err := Render("[{{MISSING}}]", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRenderParseError(t *testing.T) {
	out, err := Render("{{#if}}", nil)
	require.Error(t, err)
	assert.Equal(t, "{{#if}}", out)
	assert.Equal(t, "{{#if}}", RenderOrKeep("{{#if}}", nil))
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		name     string
		template string
		validate func(t *testing.T, result string)
	}{
		{
			name:     "uuid",
			template: `{{uuid}}`,
			validate: func(t *testing.T, result string) {
				assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, result)
			},
		},
		{
			name:     "randomValue default",
			template: `{{randomValue}}`,
			validate: func(t *testing.T, result string) {
				assert.Regexp(t, `^[a-zA-Z0-9]{10}$`, result)
			},
		},
		{
			name:     "randomValue numeric",
			template: `{{randomValue type="NUMERIC" length=6}}`,
			validate: func(t *testing.T, result string) {
				assert.Regexp(t, `^[0-9]{6}$`, result)
			},
		},
		{
			name:     "randomValue uppercase",
			template: `{{randomValue type="ALPHABETIC" length=8 uppercase=true}}`,
			validate: func(t *testing.T, result string) {
				assert.Regexp(t, `^[A-Z]{8}$`, result)
			},
		},
		{
			name:     "randomInt range",
			template: `{{randomInt lower=5 upper=7}}`,
			validate: func(t *testing.T, result string) {
				n, err := strconv.Atoi(result)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, n, 5)
				assert.LessOrEqual(t, n, 7)
			},
		},
		{
			name:     "now unix",
			template: `{{now format="unix"}}`,
			validate: func(t *testing.T, result string) {
				n, err := strconv.ParseInt(result, 10, 64)
				require.NoError(t, err)
				assert.InDelta(t, time.Now().Unix(), n, 5)
			},
		},
		{
			name:     "now layout with offset",
			template: `{{now format="2006-01-02" offset="1 day"}}`,
			validate: func(t *testing.T, result string) {
				assert.Equal(t, time.Now().UTC().Add(24*time.Hour).Format("2006-01-02"), result)
			},
		},
		{
			name:     "faker city",
			template: `{{faker "Address.city"}}`,
			validate: func(t *testing.T, result string) {
				assert.NotEmpty(t, result)
			},
		},
		{
			name:     "faker unknown key",
			template: `{{faker "Nope.nothing"}}`,
			validate: func(t *testing.T, result string) {
				assert.Empty(t, result)
			},
		},
		{
			name:     "replace",
			template: `{{replace CITY "Madrid" "Paris"}}`,
			validate: func(t *testing.T, result string) {
				assert.Equal(t, "Paris, Spain", result)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, map[string]string{"CITY": "Madrid, Spain"})
			require.NoError(t, err)
			tt.validate(t, result)
		})
	}
}

func TestStaticContext(t *testing.T) {
	t.Setenv("CONFORMANCE_REGION", "eu")

	ctx := StaticContext("run-1", "configs/run.yaml", map[string]string{
		"OUT": "{{TEMP_DIR}}/{{RUN_ID}}",
	})
	assert.Equal(t, "eu", ctx["CONFORMANCE_REGION"])
	assert.Equal(t, "run-1", ctx[KeyRunID])
	assert.Equal(t, ctx[KeyTempDir]+"/run-1", ctx["OUT"])
	assert.NotEmpty(t, ctx[KeyConfigDir])
}

func TestMerge(t *testing.T) {
	base := map[string]string{"A": "1", "B": "2"}
	merged := Merge(base, map[string]string{"B": "3"})
	assert.Equal(t, map[string]string{"A": "1", "B": "3"}, merged)
	assert.Equal(t, "2", base["B"], "base is not modified")
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"3 days", 72 * time.Hour, false},
		{"-24 seconds", -24 * time.Second, false},
		{"1 week", 7 * 24 * time.Hour, false},
		{"2 fortnights", 0, true},
		{"days", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOffset(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
