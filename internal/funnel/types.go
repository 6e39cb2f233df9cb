// Package funnel loads, validates, and resolves JSON-defined dialogue trees.
// A funnel maps start triggers and callback labels to message descriptors;
// the router and the notifier both resolve content through this package.
package funnel

// ActionKind identifies one of the closed set of side-effecting actions a
// descriptor may attach. Unknown kinds fail validation at load time.
type ActionKind string

const (
	ActionCheckSubs             ActionKind = "check_subs"
	ActionCheckRegistration     ActionKind = "check_registration"
	ActionStartFSM              ActionKind = "start_fsm"
	ActionCheckFSMData          ActionKind = "check_fsm_data"
	ActionStopFSM               ActionKind = "stop_fsm"
	ActionIsFSMActive           ActionKind = "is_fsm_active"
	ActionSendCRM               ActionKind = "send_crm"
	ActionSendFile              ActionKind = "send_file"
	ActionCloseNotifications    ActionKind = "close_notifications"
	ActionCloseAllNotifications ActionKind = "close_all_notifications"
	ActionFunnelPassed          ActionKind = "funnel_passed"
	ActionReturnOK              ActionKind = "return_ok"
)

// Valid reports whether the kind belongs to the closed action set.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionCheckSubs, ActionCheckRegistration, ActionStartFSM,
		ActionCheckFSMData, ActionStopFSM, ActionIsFSMActive,
		ActionSendCRM, ActionSendFile, ActionCloseNotifications,
		ActionCloseAllNotifications, ActionFunnelPassed, ActionReturnOK:
		return true
	}
	return false
}

// Definition is one loaded funnel: two namespaces of descriptors plus
// optional stage aliases for the lead-stage table. Immutable after load.
type Definition struct {
	Name     string                 `json:"-"`
	Start    map[string]*Descriptor `json:"start"    validate:"required,dive"`
	Callback map[string]*Descriptor `json:"callback" validate:"required,dive"`
	Stages   map[string]string      `json:"stages"`
}

// Descriptor describes one bot message: content, keyboard, attached actions,
// event marker and follow-up notifications.
type Descriptor struct {
	Text    string     `json:"text,omitempty"`
	Buttons [][]Button `json:"buttons,omitempty" validate:"dive,dive"`
	File    *File      `json:"file,omitempty"`
	Files   []File     `json:"files,omitempty"`

	Action  *Action  `json:"action,omitempty"`
	Actions []Action `json:"actions,omitempty"`

	Event         string             `json:"event,omitempty"`
	Notifications []NotificationSpec `json:"notifications,omitempty" validate:"dive"`

	// Delete removes the message the triggering button was attached to.
	Delete bool `json:"delete,omitempty"`
	// Ephemeral queues the sent message for deletion after the user's next
	// successful interaction.
	Ephemeral      bool   `json:"ephemeral,omitempty"`
	RemoveKeyboard bool   `json:"remove_keyboard,omitempty"`
	UserHistory    string `json:"user_history,omitempty"`
}

// ActionList returns the attached actions in declaration order, whether the
// descriptor used the single or the list container.
func (d *Descriptor) ActionList() []Action {
	if d == nil {
		return nil
	}
	if len(d.Actions) > 0 {
		return d.Actions
	}
	if d.Action != nil {
		return []Action{*d.Action}
	}
	return nil
}

// HasContent reports whether the descriptor has something to deliver.
func (d *Descriptor) HasContent() bool {
	return d != nil && (d.Text != "" || d.File != nil || len(d.Files) > 0)
}

// NextRoute returns the follow-up route of a successful action run. For a
// list the last action carrying is_ok wins, scanned in reverse.
func NextRoute(actions []Action) string {
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].IsOK != "" {
			return actions[i].IsOK
		}
	}
	return ""
}

// Button is one keyboard button. type="button" builds a reply-keyboard
// button, anything else an inline button with callback, link or web app.
type Button struct {
	Type           string `json:"type,omitempty"`
	Title          string `json:"title" validate:"required"`
	Callback       string `json:"callback,omitempty"`
	Link           string `json:"link,omitempty"`
	WebApp         string `json:"web_app,omitempty"`
	RequestContact bool   `json:"request_contact,omitempty"`
}

// File describes an outbound attachment.
type File struct {
	Path        string `json:"file_path" validate:"required"`
	Filename    string `json:"tg_filename,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Action is one side effect attached to a descriptor. Fields beyond Kind are
// kind-specific; IsOK re-routes the reply when the action succeeds.
type Action struct {
	Kind ActionKind `json:"func" validate:"required"`

	Channel     string        `json:"channel,omitempty"`
	CollectData []CollectItem `json:"collect_data,omitempty" validate:"dive"`
	IfCollected string        `json:"if_collected,omitempty"`
	DataName    string        `json:"data_name,omitempty"`
	Labels      []string      `json:"labels,omitempty"`

	// Text, File and Label serve the send_file kind, which delivers ad hoc
	// content recorded under its own route label.
	Text  string `json:"text,omitempty"`
	File  *File  `json:"file,omitempty"`
	Label string `json:"label,omitempty"`

	IsOK          string `json:"is_ok,omitempty"`
	ReverseResult bool   `json:"reverse_result,omitempty"`
}

// CollectItem is one field of a multi-turn data collection.
type CollectItem struct {
	Name         string `json:"name"          validate:"required"`
	ExpectedData string `json:"expected_data" validate:"required,oneof=text contact"`
	OKMsg        string `json:"is_ok_msg,omitempty"`
	NotOKMsg     string `json:"is_not_ok_msg,omitempty"`
	Value        string `json:"value,omitempty"`
}

// NotificationSpec is a follow-up schedule request carried by a descriptor.
type NotificationSpec struct {
	Label    string   `json:"message" validate:"required"`
	Wait     WaitSpec `json:"at_time"`
	Reusable bool     `json:"reusable,omitempty"`
	Funnel   string   `json:"funnel,omitempty"`
}

// WaitSpec selects one of three mutually exclusive delay modes, checked in
// this precedence order: relative seconds, absolute timestamp, daily clock
// time plus a day offset.
type WaitSpec struct {
	WaitSeconds    int64  `json:"wait_seconds,omitempty"`
	TargetDatetime string `json:"target_datetime,omitempty"`
	Time           string `json:"time,omitempty"`
	DeltaDays      int    `json:"delta_days,omitempty"`
}
