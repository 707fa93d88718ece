// Package templates registers the Handlebars helpers available to harness
// configuration files, e.g.
//
//	work_dir: "{{{TEMP_DIR}}}/mcp-{{randomValue type='HEXADECIMAL' length=8}}"
//	traces_dir: "traces/{{now format='20060102-150405'}}"
package templates

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

const (
	alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	alphabeticChars   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numericChars      = "0123456789"
	hexChars          = "0123456789abcdef"

	defaultRandomLength = 10
)

var registerOnce sync.Once

// Register installs the helpers in raymond's global registry. raymond panics
// on duplicate registration, so only the first call does anything.
func Register() {
	registerOnce.Do(registerHelpers)
}

func registerHelpers() {
	raymond.RegisterHelper("randomValue", func(options *raymond.Options) string {
		randomType := strings.ToUpper(options.HashStr("type"))
		if randomType == "UUID" {
			return uuid.New().String()
		}

		length := defaultRandomLength
		if v := options.HashProp("length"); v != nil {
			if n := toInt(v); n > 0 {
				length = n
			}
		}

		var result string
		switch randomType {
		case "ALPHABETIC":
			result = generateRandomString(alphabeticChars, length)
		case "NUMERIC":
			result = generateRandomString(numericChars, length)
		case "HEXADECIMAL":
			result = generateRandomString(hexChars, length)
		default:
			result = generateRandomString(alphanumericChars, length)
		}

		if raymond.IsTrue(options.HashProp("uppercase")) {
			result = strings.ToUpper(result)
		}
		return result
	})

	// now accepts format (Go layout, "unix", "epoch" or empty for RFC3339),
	// offset (a Go duration such as "-1h") and timezone.
	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		now := time.Now().UTC()
		if offset := options.HashStr("offset"); offset != "" {
			if d, err := time.ParseDuration(offset); err == nil {
				now = now.Add(d)
			}
		}
		if tz := options.HashStr("timezone"); tz != "" {
			if loc, err := time.LoadLocation(tz); err == nil {
				now = now.In(loc)
			}
		}

		switch format := options.HashStr("format"); format {
		case "epoch":
			return strconv.FormatInt(now.UnixMilli(), 10)
		case "unix":
			return strconv.FormatInt(now.Unix(), 10)
		case "":
			return now.Format(time.RFC3339)
		default:
			return now.Format(format)
		}
	})

	raymond.RegisterHelper("faker", func(key string) string {
		return fake(gofakeit.New(0), key)
	})

	raymond.RegisterHelper("replace", func(value, old, repl any) raymond.SafeString {
		return raymond.SafeString(strings.ReplaceAll(raymond.Str(value), raymond.Str(old), raymond.Str(repl)))
	})
}

// fake maps "Category.field" keys to gofakeit generators. Unknown keys
// render as the empty string.
func fake(r *gofakeit.Faker, key string) string {
	switch key {
	case "Name.first_name":
		return r.FirstName()
	case "Name.last_name":
		return r.LastName()
	case "Name.full_name":
		return r.Name()
	case "Internet.username":
		return r.Username()
	case "Internet.email":
		return r.Email()
	case "Company.name":
		return r.Company()
	case "Lorem.word":
		return r.Word()
	case "Lorem.sentence":
		return r.Sentence(5)
	case "Misc.uuid":
		return r.UUID()
	case "Misc.digit":
		return r.Digit()
	}
	return ""
}

func generateRandomString(charset string, length int) string {
	result := make([]byte, length)
	charsetLen := big.NewInt(int64(len(charset)))
	for i := range result {
		num, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return ""
		}
		result[i] = charset[num.Int64()]
	}
	return string(result)
}

func toInt(val any) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}
