package logging

import "strings"

type infoField struct {
	label string
	value string
}

// Keys rendered first, in this order, on info-level console lines.
var infoHighlightKeys = []string{
	FieldAlert,
	FieldEventType,
	FieldState,
	FieldSocket,
	FieldPID,
	FieldExecutable,
	FieldCommand,
	FieldAttempt,
	"error",
	FieldErrorHint,
	FieldImpact,
}

func selectInfoFields(attrs []kv) ([]infoField, int) {
	if len(attrs) == 0 {
		return nil, 0
	}
	used := make([]bool, len(attrs))
	result := make([]infoField, 0, len(attrs))
	hidden := 0

	for _, key := range infoHighlightKeys {
		for idx, attr := range attrs {
			if used[idx] || attr.key != key {
				continue
			}
			used[idx] = true
			result = append(result, infoField{label: displayLabel(attr.key), value: formatValue(attr.value)})
			break
		}
	}

	for idx, attr := range attrs {
		if used[idx] || attr.key == "" {
			continue
		}
		if isDebugOnlyKey(attr.key) {
			hidden++
			continue
		}
		value := formatValue(attr.value)
		if len(value) > 120 {
			hidden++
			continue
		}
		result = append(result, infoField{label: displayLabel(attr.key), value: value})
	}
	return result, hidden
}

func isDebugOnlyKey(key string) bool {
	switch key {
	case FieldConnID, FieldSessionID, "args", "lock_path":
		return true
	}
	return strings.HasSuffix(key, "_id")
}

func displayLabel(key string) string {
	switch key {
	case FieldAlert:
		return "Alert"
	case FieldEventType:
		return "Event"
	case FieldErrorHint:
		return "Hint"
	case FieldPID:
		return "PID"
	default:
		return titleizeKey(key)
	}
}

func titleizeKey(key string) string {
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	for i, part := range parts {
		lower := strings.ToLower(part)
		parts[i] = strings.ToUpper(lower[:1]) + lower[1:]
	}
	return strings.Join(parts, " ")
}
