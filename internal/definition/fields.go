package definition

import (
	"maps"

	"github.com/pitabwire/approvals/model"
)

// DefaultAttachmentMaxSizeMB applies when a type does not set a limit.
const DefaultAttachmentMaxSizeMB = 50

// fieldTemplates are the built-in fields synthesized from capabilities.
var fieldTemplates = map[string]model.FieldDefinition{
	model.FieldKeyReason: {
		Key:      model.FieldKeyReason,
		Label:    model.LocalizedText{"ka": "მიზანი", "en": "Purpose"},
		Type:     model.FieldTextarea,
		Required: true,
		Placeholder: model.LocalizedText{
			"ka": "მოკლედ აღწერეთ განაცხადის მიზეზი…",
			"en": "Describe why you are submitting this request…",
		},
	},
	model.FieldKeyStartDate: {
		Key:      model.FieldKeyStartDate,
		Label:    model.LocalizedText{"ka": "დაწყების თარიღი", "en": "Start date"},
		Type:     model.FieldDate,
		Required: true,
	},
	model.FieldKeyEndDate: {
		Key:      model.FieldKeyEndDate,
		Label:    model.LocalizedText{"ka": "დასრულების თარიღი", "en": "End date"},
		Type:     model.FieldDate,
		Required: true,
	},
	model.FieldKeyStartTime: {
		Key:   model.FieldKeyStartTime,
		Label: model.LocalizedText{"ka": "დაწყების დრო", "en": "Start time"},
		Type:  model.FieldTime,
	},
	model.FieldKeyEndTime: {
		Key:   model.FieldKeyEndTime,
		Label: model.LocalizedText{"ka": "დასრულების დრო", "en": "End time"},
		Type:  model.FieldTime,
	},
	model.FieldKeyAdditionalComment: {
		Key:   model.FieldKeyAdditionalComment,
		Label: model.LocalizedText{"ka": "დამატებითი კომენტარი", "en": "Additional comment"},
		Type:  model.FieldTextarea,
		Placeholder: model.LocalizedText{
			"ka": "მიუთითეთ დამატებითი ინფორმაცია…",
			"en": "Provide any extra context…",
		},
	},
}

// IsReservedField reports whether key belongs to a built-in field.
func IsReservedField(key string) bool {
	_, ok := fieldTemplates[key]
	return ok
}

var customFieldTypes = map[model.FieldType]bool{
	model.FieldText:     true,
	model.FieldNumber:   true,
	model.FieldTextarea: true,
	model.FieldDate:     true,
	model.FieldTime:     true,
}

// buildFields reconciles the caller's field list with the capability flags.
// Built-in fields come first in a fixed order, followed by custom fields in
// the order given.
func buildFields(existing []model.FieldDefinition, caps model.Capabilities) []model.FieldDefinition {
	byKey := make(map[string]model.FieldDefinition, len(existing))
	for _, f := range existing {
		if _, dup := byKey[f.Key]; !dup {
			byKey[f.Key] = f
		}
	}

	ensure := func(key string, required *bool) model.FieldDefinition {
		tmpl := fieldTemplates[key]
		out := model.FieldDefinition{
			Key:         key,
			Type:        tmpl.Type,
			Label:       maps.Clone(tmpl.Label),
			Required:    tmpl.Required,
			Placeholder: maps.Clone(tmpl.Placeholder),
		}
		if cur, ok := byKey[key]; ok {
			if len(cur.Label) > 0 {
				out.Label = maps.Clone(cur.Label)
			}
			if len(cur.Placeholder) > 0 {
				out.Placeholder = maps.Clone(cur.Placeholder)
			}
			out.Required = cur.Required
		}
		if required != nil {
			out.Required = *required
		}
		return out
	}

	fields := []model.FieldDefinition{ensure(model.FieldKeyReason, nil)}
	if caps.RequiresDateRange {
		fields = append(fields,
			ensure(model.FieldKeyStartDate, &caps.DateRangeRequired),
			ensure(model.FieldKeyEndDate, &caps.DateRangeRequired))
	}
	if caps.RequiresTimeRange {
		fields = append(fields,
			ensure(model.FieldKeyStartTime, &caps.TimeRangeRequired),
			ensure(model.FieldKeyEndTime, &caps.TimeRangeRequired))
	}
	if caps.HasCommentField {
		fields = append(fields, ensure(model.FieldKeyAdditionalComment, &caps.CommentRequired))
	}

	seen := make(map[string]bool, len(existing)+len(fields))
	for _, f := range fields {
		seen[f.Key] = true
	}
	for _, f := range existing {
		if f.Key == "" || IsReservedField(f.Key) || seen[f.Key] {
			continue
		}
		seen[f.Key] = true
		f.Label = maps.Clone(f.Label)
		f.Placeholder = maps.Clone(f.Placeholder)
		if !customFieldTypes[f.Type] {
			f.Type = model.FieldText
		}
		fields = append(fields, f)
	}
	return fields
}
