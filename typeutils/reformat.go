// Package typeutils normalizes values scanned from source drivers before they
// reach row images and positions.
package typeutils

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var DateTimeFormats = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 -07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05+0000",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999+00",
	"2006-01-02 15:04:05.9999999",
}

// ReformatDate converts the time representations drivers hand back into a time.Time.
func ReformatDate(v any) (time.Time, error) {
	parsed, err := func() (time.Time, error) {
		switch v := v.(type) {
		// we assume int64 is in seconds and don't currently scale to the precision
		case int64:
			return time.Unix(v, 0), nil
		case time.Time:
			return v, nil
		case *time.Time:
			if v == nil {
				return time.Time{}, fmt.Errorf("null time passed")
			}
			return *v, nil
		case sql.NullTime:
			if !v.Valid {
				return time.Time{}, fmt.Errorf("invalid null time")
			}
			return v.Time, nil
		case nil:
			return time.Time{}, nil
		case []byte:
			return parseStringTimestamp(string(v))
		case string:
			return parseStringTimestamp(v)
		}
		return time.Time{}, fmt.Errorf("unhandled type[%T] passed: unable to parse into time", v)
	}()
	if err != nil {
		return time.Time{}, err
	}

	// years outside [0,9999] fail to marshal
	if parsed.Year() < 0 {
		parsed = parsed.AddDate(0-parsed.Year(), 0, 0)
	} else if parsed.Year() > 9999 {
		parsed = parsed.AddDate(-(parsed.Year() - 9999), 0, 0)
	}

	return parsed, nil
}

func parseStringTimestamp(value string) (time.Time, error) {
	var tv time.Time
	var err error
	for _, layout := range DateTimeFormats {
		tv, err = time.Parse(layout, strings.TrimSpace(value))
		if err == nil {
			return tv, nil
		}
	}

	return time.Time{}, fmt.Errorf("failed to parse datetime from available formats: %s", err)
}

func ReformatInt64(v any) (int64, error) {
	switch v := v.(type) {
	case float32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		//nolint:gosec,G115
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		//nolint:gosec,G115
		return int64(v), nil
	case []byte:
		return ReformatInt64(string(v))
	case string:
		intValue, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return int64(0), fmt.Errorf("failed to change string %v to int64: %v", v, err)
		}
		return intValue, nil
	case *any:
		return ReformatInt64(*v)
	}

	return int64(0), fmt.Errorf("failed to change %v (type:%T) to int64", v, v)
}

// ReformatByteArraysToString replaces []byte values (also nested in maps and
// slices) with strings so row images stay JSON friendly.
func ReformatByteArraysToString(data map[string]any) map[string]any {
	for key, value := range data {
		switch value := value.(type) {
		case map[string]any:
			data[key] = ReformatByteArraysToString(value)
		case []byte:
			data[key] = string(value)
		case []map[string]any:
			decryptedArray := []map[string]any{}
			for _, element := range value {
				decryptedArray = append(decryptedArray, ReformatByteArraysToString(element))
			}

			data[key] = decryptedArray
		case []any:
			decryptedArray := []any{}
			for _, element := range value {
				switch element := element.(type) {
				case map[string]any:
					decryptedArray = append(decryptedArray, ReformatByteArraysToString(element))
				case []byte:
					decryptedArray = append(decryptedArray, string(element))
				default:
					decryptedArray = append(decryptedArray, element)
				}
			}

			data[key] = decryptedArray
		}
	}
	return data
}
