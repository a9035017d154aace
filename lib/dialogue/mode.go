package dialogue

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/mindfulware/companionapi/lib/util"
)

// InteractionMode is the interaction shape a bot message carries. The
// presentation layer uses it to decide which option widget, if any, to
// render after the message.
type InteractionMode string

const (
	// ModeNone marks transcript entries that render no widget at all,
	// e.g. every non-final part of a multi-part reply.
	ModeNone InteractionMode = ""

	ModeFreeText           InteractionMode = "free_text"
	ModeContinue           InteractionMode = "continue"
	ModeYesNo              InteractionMode = "yes_no"
	ModeYesNoProtocolOffer InteractionMode = "yes_no_protocol_offer"
	ModeRecentOrDistant    InteractionMode = "recent_or_distant"
	ModeEmotionValence     InteractionMode = "emotion_valence"
	ModeFeedback           InteractionMode = "feedback"
	ModeProtocolList       InteractionMode = "protocol_list"
	ModeInitialChoiceSet   InteractionMode = "initial_choice_set"
)

var InteractionModeValues = []InteractionMode{
	ModeFreeText,
	ModeContinue,
	ModeYesNo,
	ModeYesNoProtocolOffer,
	ModeRecentOrDistant,
	ModeEmotionValence,
	ModeFeedback,
	ModeProtocolList,
	ModeInitialChoiceSet,
}

func (m InteractionMode) Schema(r huma.Registry) *huma.Schema {
	return util.OpenAPISchema(r, "InteractionMode", InteractionModeValues)
}

// The backend declares acceptable next inputs as literal token lists.
// These are the fixed patterns it is known to produce.
var (
	tokensContinue      = []string{"continue"}
	tokensYesNo         = []string{"yes", "no"}
	tokensProtocolOffer = []string{
		"yes, i would like to try one of these protocols",
		"no, i would like to try something else",
	}
	tokensRecentDistant  = []string{"recent", "distant"}
	tokensEmotionValence = []string{"positive", "neutral", "negative"}
	tokensFeedback       = []string{"better", "worse", "no change"}
)

// ClassifyInput captures everything classification depends on beyond the
// token list itself.
type ClassifyInput struct {
	// DeepReflection degrades every widget except yes/no to free text.
	DeepReflection bool
	// SeenOptionsBefore disambiguates an unrecognized option list: the
	// first one in a session is the initial choice set, every later one
	// is a protocol list.
	SeenOptionsBefore bool
}

// Classify maps the backend's declared list of acceptable next inputs to
// an interaction mode. Matching is exact and ordered; the first matching
// rule wins.
func Classify(acceptedInputs []string, input ClassifyInput) InteractionMode {
	mode := classifyTokens(acceptedInputs, input.SeenOptionsBefore)
	return ApplyDeepReflectionPolicy(mode, input.DeepReflection)
}

// ApplyDeepReflectionPolicy applies the deep reflection override on top
// of the classification table: a plain yes/no is a consequential binary
// decision and keeps its widget, everything else falls back to free
// text.
func ApplyDeepReflectionPolicy(mode InteractionMode, deepReflection bool) InteractionMode {
	if !deepReflection {
		return mode
	}
	switch mode {
	case ModeFreeText, ModeYesNo:
		return mode
	default:
		return ModeFreeText
	}
}

func classifyTokens(acceptedInputs []string, seenOptionsBefore bool) InteractionMode {
	if len(acceptedInputs) == 0 {
		return ModeFreeText
	}
	if len(acceptedInputs) == 1 && (acceptedInputs[0] == "open_text" || acceptedInputs[0] == "any") {
		return ModeFreeText
	}
	switch {
	case equalTokens(acceptedInputs, tokensContinue):
		return ModeContinue
	case equalTokens(acceptedInputs, tokensYesNo):
		return ModeYesNo
	case equalTokens(acceptedInputs, tokensProtocolOffer):
		return ModeYesNoProtocolOffer
	case equalTokens(acceptedInputs, tokensRecentDistant):
		return ModeRecentOrDistant
	case equalTokens(acceptedInputs, tokensEmotionValence):
		return ModeEmotionValence
	case equalTokens(acceptedInputs, tokensFeedback):
		return ModeFeedback
	}
	if seenOptionsBefore {
		return ModeProtocolList
	}
	return ModeInitialChoiceSet
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IsOptionList reports whether a mode writes its raw token list into the
// session's protocol list for the UI to render as buttons.
func (m InteractionMode) IsOptionList() bool {
	return m == ModeProtocolList || m == ModeInitialChoiceSet
}
