package model

import "time"

// ExpireAction selects what the automation sweep does once a step's SLA has
// elapsed.
type ExpireAction string

// Expire action constants.
const (
	ExpireAutoApprove ExpireAction = "AUTO_APPROVE"
	ExpireBounceBack  ExpireAction = "BOUNCE_BACK"
)

// FieldType is the input kind of a form field.
type FieldType string

// Field type constants.
const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldTextarea FieldType = "textarea"
	FieldDate     FieldType = "date"
	FieldTime     FieldType = "time"
)

// Reserved field keys. These are synthesized from capabilities and never
// accepted as custom fields.
const (
	FieldKeyReason            = "reason"
	FieldKeyStartDate         = "start_date"
	FieldKeyEndDate           = "end_date"
	FieldKeyStartTime         = "start_time"
	FieldKeyEndTime           = "end_time"
	FieldKeyAdditionalComment = "additional_comment"
)

// LocalizedText maps a locale code ("en", "ka") to text.
type LocalizedText map[string]string

// ApplicationType is a named workflow template. Flow lists the approver role
// ids; step i awaits a holder of Flow[i].
type ApplicationType struct {
	ID             int64             `yaml:"id"               json:"id"`
	Name           LocalizedText     `yaml:"name"             json:"name"`
	Description    LocalizedText     `yaml:"description"      json:"description,omitempty"`
	Icon           string            `yaml:"icon"             json:"icon,omitempty"`
	Color          string            `yaml:"color"            json:"color,omitempty"`
	Flow           []int64           `yaml:"flow"             json:"flow"`
	SLAPerStep     []StepSLA         `yaml:"sla_per_step"     json:"sla_per_step"`
	Capabilities   Capabilities      `yaml:"capabilities"     json:"capabilities"`
	Fields         []FieldDefinition `yaml:"fields"           json:"fields"`
	AllowedRoleIDs []int64           `yaml:"allowed_role_ids" json:"allowed_role_ids"`
	CreatedAt      time.Time         `yaml:"created_at"       json:"created_at"`
	UpdatedAt      time.Time         `yaml:"updated_at"       json:"updated_at"`
}

// StepSLA bounds how long an application may dwell at one step.
type StepSLA struct {
	StepIndex int          `yaml:"step_index" json:"step_index"`
	Seconds   int64        `yaml:"seconds"    json:"seconds"`
	OnExpire  ExpireAction `yaml:"on_expire"  json:"on_expire"`
}

// Capabilities toggles the optional built-in fields of a type.
type Capabilities struct {
	RequiresDateRange     bool `yaml:"requires_date_range"      json:"requires_date_range"`
	DateRangeRequired     bool `yaml:"date_range_required"      json:"date_range_required"`
	RequiresTimeRange     bool `yaml:"requires_time_range"      json:"requires_time_range"`
	TimeRangeRequired     bool `yaml:"time_range_required"      json:"time_range_required"`
	HasCommentField       bool `yaml:"has_comment_field"        json:"has_comment_field"`
	CommentRequired       bool `yaml:"comment_required"         json:"comment_required"`
	AllowsAttachments     bool `yaml:"allows_attachments"       json:"allows_attachments"`
	AttachmentsRequired   bool `yaml:"attachments_required"     json:"attachments_required"`
	AttachmentMaxSizeMB   int  `yaml:"attachment_max_size_mb"   json:"attachment_max_size_mb"`
	UsesExtraBonusTracker bool `yaml:"uses_extra_bonus_tracker" json:"uses_extra_bonus_tracker"`
}

// FieldDefinition describes one input of an application form.
type FieldDefinition struct {
	Key         string        `yaml:"key"         json:"key"`
	Label       LocalizedText `yaml:"label"       json:"label"`
	Type        FieldType     `yaml:"type"        json:"type"`
	Required    bool          `yaml:"required"    json:"required"`
	Placeholder LocalizedText `yaml:"placeholder" json:"placeholder,omitempty"`
}

// SLAFor returns the SLA entry for the given step, if any.
func (t *ApplicationType) SLAFor(step int) (StepSLA, bool) {
	for _, s := range t.SLAPerStep {
		if s.StepIndex == step {
			return s, true
		}
	}
	return StepSLA{}, false
}

// RoleAt returns the role that approves the given step.
func (t *ApplicationType) RoleAt(step int) (int64, bool) {
	if step < 0 || step >= len(t.Flow) {
		return 0, false
	}
	return t.Flow[step], true
}

// Field returns the field definition with the given key.
func (t *ApplicationType) Field(key string) (FieldDefinition, bool) {
	for _, f := range t.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldDefinition{}, false
}
