// Package templates renders Handlebars placeholders in catalog queries, system
// prompts and run configuration values.
package templates

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/mykhaliev/tool-conformance/logger"
)

const (
	alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	alphabeticChars   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numericChars      = "0123456789"
	hexChars          = "0123456789abcdef"

	defaultRandomLength = 10
)

// Context keys set by the engine.
const (
	KeyRunID     = "RUN_ID"
	KeyTempDir   = "TEMP_DIR"
	KeyConfigDir = "CONFIG_DIR"
	KeyTestID    = "TEST_ID"
	KeyTestName  = "TEST_NAME"
	KeyDomain    = "DOMAIN"
)

var helpersOnce sync.Once

// fakers maps "Category.field" keys of the faker helper to generators.
var fakers = map[string]func(f *gofakeit.Faker) string{
	"Name.first_name":    func(f *gofakeit.Faker) string { return f.FirstName() },
	"Name.last_name":     func(f *gofakeit.Faker) string { return f.LastName() },
	"Name.full_name":     func(f *gofakeit.Faker) string { return f.Name() },
	"Address.street":     func(f *gofakeit.Faker) string { return f.Street() },
	"Address.city":       func(f *gofakeit.Faker) string { return f.City() },
	"Address.country":    func(f *gofakeit.Faker) string { return f.Country() },
	"Address.postcode":   func(f *gofakeit.Faker) string { return f.Zip() },
	"Internet.email":     func(f *gofakeit.Faker) string { return f.Email() },
	"Internet.username":  func(f *gofakeit.Faker) string { return f.Username() },
	"Internet.url":       func(f *gofakeit.Faker) string { return f.URL() },
	"Company.name":       func(f *gofakeit.Faker) string { return f.Company() },
	"Company.profession": func(f *gofakeit.Faker) string { return f.JobTitle() },
	"Lorem.word":         func(f *gofakeit.Faker) string { return f.Word() },
	"Lorem.sentence":     func(f *gofakeit.Faker) string { return f.Sentence(5) },
	"Finance.currency":   func(f *gofakeit.Faker) string { return f.CurrencyShort() },
	"Misc.uuid":          func(f *gofakeit.Faker) string { return f.UUID() },
	"Misc.date":          func(f *gofakeit.Faker) string { return f.Date().Format("2006-01-02") },
}

func registerHelpers() {
	raymond.RegisterHelper("uuid", func() string {
		return uuid.New().String()
	})

	raymond.RegisterHelper("randomValue", func(options *raymond.Options) string {
		length := defaultRandomLength
		if v := options.HashProp("length"); v != nil {
			length = toInt(v)
		}
		var charset string
		switch strings.ToUpper(options.HashStr("type")) {
		case "UUID":
			return uuid.New().String()
		case "ALPHABETIC":
			charset = alphabeticChars
		case "NUMERIC":
			charset = numericChars
		case "HEXADECIMAL":
			charset = hexChars
		default:
			charset = alphanumericChars
		}
		out := randomString(charset, length)
		if v := options.HashProp("uppercase"); v != nil && raymond.IsTrue(v) {
			out = strings.ToUpper(out)
		}
		return out
	})

	raymond.RegisterHelper("randomInt", func(options *raymond.Options) string {
		lower, upper := 0, 100
		if v := options.HashProp("lower"); v != nil {
			lower = toInt(v)
		}
		if v := options.HashProp("upper"); v != nil {
			upper = toInt(v)
		}
		if lower > upper {
			lower, upper = upper, lower
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(upper-lower+1)))
		if err != nil {
			return strconv.Itoa(lower)
		}
		return strconv.Itoa(int(n.Int64()) + lower)
	})

	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		now := time.Now().UTC()
		if offset := options.HashStr("offset"); offset != "" {
			if d, err := ParseOffset(offset); err == nil {
				now = now.Add(d)
			}
		}
		if tz := options.HashStr("timezone"); tz != "" {
			if loc, err := time.LoadLocation(tz); err == nil {
				now = now.In(loc)
			}
		}
		switch format := options.HashStr("format"); format {
		case "":
			return now.Format(time.RFC3339)
		case "unix":
			return strconv.FormatInt(now.Unix(), 10)
		case "epoch":
			return strconv.FormatInt(now.UnixMilli(), 10)
		default:
			return now.Format(format)
		}
	})

	raymond.RegisterHelper("faker", func(key string) string {
		gen, ok := fakers[key]
		if !ok {
			return ""
		}
		return gen(gofakeit.New(0))
	})

	raymond.RegisterHelper("replace", func(value, old, repl any, _ *raymond.Options) raymond.SafeString {
		content := raymond.Str(value)
		oldStr := raymond.Str(old)
		if oldStr == "" {
			return raymond.SafeString(content)
		}
		return raymond.SafeString(strings.ReplaceAll(content, oldStr, raymond.Str(repl)))
	})
}

// Render executes input as a Handlebars template over ctx. Context values are
// inserted verbatim without HTML escaping. Input without placeholders is
// returned unchanged.
func Render(input string, ctx map[string]string) (string, error) {
	if !strings.Contains(input, "{{") {
		return input, nil
	}
	helpersOnce.Do(registerHelpers)

	tmpl, err := raymond.Parse(input)
	if err != nil {
		return input, fmt.Errorf("failed to parse template: %w", err)
	}
	data := make(map[string]any, len(ctx))
	for k, v := range ctx {
		data[k] = raymond.SafeString(v)
	}
	out, err := tmpl.Exec(data)
	if err != nil {
		return input, fmt.Errorf("failed to execute template: %w", err)
	}
	return out, nil
}

// RenderOrKeep renders input and falls back to it unchanged on error.
func RenderOrKeep(input string, ctx map[string]string) string {
	out, err := Render(input, ctx)
	if err != nil {
		logger.Logger.Warn("Template rendering failed, keeping raw value", "error", err)
		return input
	}
	return out
}

// EnvContext returns the process environment as a template context.
func EnvContext() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// StaticContext holds values known before any test runs: the environment,
// RUN_ID, TEMP_DIR, CONFIG_DIR and the user variables, which may reference
// the others.
func StaticContext(runID, configFile string, variables map[string]string) map[string]string {
	ctx := EnvContext()
	ctx[KeyRunID] = runID
	ctx[KeyTempDir] = os.TempDir()
	if configFile != "" {
		if abs, err := filepath.Abs(configFile); err == nil {
			ctx[KeyConfigDir] = filepath.Dir(abs)
		}
	}
	for k, v := range variables {
		ctx[k] = RenderOrKeep(v, ctx)
	}
	return ctx
}

// Merge returns a new context with overlay applied on top of base.
func Merge(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func randomString(charset string, length int) string {
	if length <= 0 {
		return ""
	}
	out := make([]byte, length)
	n := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return ""
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	}
	return 0
}

// ParseOffset parses offsets such as "3 days" or "-24 hours".
func ParseOffset(offset string) (time.Duration, error) {
	parts := strings.Fields(offset)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid offset format: %q", offset)
	}
	value, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}
	var unit time.Duration
	switch strings.TrimSuffix(strings.ToLower(parts[1]), "s") {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	case "week":
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown time unit: %s", parts[1])
	}
	return time.Duration(value) * unit, nil
}
