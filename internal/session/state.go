// Package session holds the per-user conversation state and its transition table.
package session

import "fmt"

type State int

const (
	Main State = iota
	ChoosingMode
	UploadingInstant
	UploadingLoRA
	AwaitingLoRADecision
	SelectingStyle
	Generating
	Training
)

var stateNames = map[State]string{
	Main:                 "MAIN",
	ChoosingMode:         "CHOOSING_MODE",
	UploadingInstant:     "UPLOADING_INSTANT",
	UploadingLoRA:        "UPLOADING_LORA",
	AwaitingLoRADecision: "AWAITING_LORA_DECISION",
	SelectingStyle:       "SELECTING_STYLE",
	Generating:           "GENERATING",
	Training:             "TRAINING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Busy reports whether a paid background operation owns the session.
func (s State) Busy() bool {
	return s == Generating || s == Training
}

// Uploading reports whether the session accepts photos.
func (s State) Uploading() bool {
	return s == UploadingInstant || s == UploadingLoRA || s == AwaitingLoRADecision
}

// States lists every state, in declaration order.
func States() []State {
	return []State{Main, ChoosingMode, UploadingInstant, UploadingLoRA, AwaitingLoRADecision, SelectingStyle, Generating, Training}
}

type Event int

const (
	EventStart Event = iota
	EventCancel
	EventFastMode
	EventProMode
	EventSavedModel
	EventPhoto
	EventAddMore
	EventProceed
	EventStyle
	EventGenerationDone
	EventTrainingSucceeded
	EventTrainingFailed
)

var eventNames = map[Event]string{
	EventStart:             "start",
	EventCancel:            "cancel",
	EventFastMode:          "fast_mode",
	EventProMode:           "pro_mode",
	EventSavedModel:        "saved_model",
	EventPhoto:             "photo",
	EventAddMore:           "add_more",
	EventProceed:           "proceed",
	EventStyle:             "style",
	EventGenerationDone:    "generation_done",
	EventTrainingSucceeded: "training_succeeded",
	EventTrainingFailed:    "training_failed",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// transitions lists every legal (state, event) pair with its possible targets. Cancel is added
// for every state in init.
var transitions = map[State]map[Event][]State{
	Main: {
		EventStart: {ChoosingMode},
	},
	ChoosingMode: {
		EventFastMode:   {UploadingInstant},
		EventProMode:    {UploadingLoRA},
		EventSavedModel: {SelectingStyle},
	},
	UploadingInstant: {
		EventPhoto: {SelectingStyle},
	},
	UploadingLoRA: {
		EventPhoto:   {UploadingLoRA, AwaitingLoRADecision, Training},
		EventProceed: {Training},
	},
	AwaitingLoRADecision: {
		EventAddMore: {UploadingLoRA},
		EventProceed: {Training},
		EventPhoto:   {AwaitingLoRADecision, Training},
	},
	SelectingStyle: {
		EventStyle: {Generating},
	},
	Generating: {
		EventGenerationDone: {Main},
	},
	Training: {
		EventTrainingSucceeded: {SelectingStyle},
		EventTrainingFailed:    {Main},
	},
}

func init() {
	for _, s := range States() {
		if transitions[s] == nil {
			transitions[s] = map[Event][]State{}
		}
		transitions[s][EventCancel] = []State{Main}
	}
}

// Allowed reports whether ev may move a session from one state to another.
func Allowed(from State, ev Event, to State) bool {
	for _, target := range transitions[from][ev] {
		if target == to {
			return true
		}
	}
	return false
}

// Accepts reports whether ev is meaningful in state s.
func Accepts(s State, ev Event) bool {
	return len(transitions[s][ev]) > 0
}
