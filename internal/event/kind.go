package event

import "sort"

// Kind names an event type as written in test scripts.
type Kind string

// Class groups kinds that share an interpreter handler and action list.
type Class int

const (
	ClassCommand     Class = iota // no element resolution
	ClassSimple                   // base action list
	ClassInteractive              // base + disabled/clear/set/append
	ClassToggle                   // checkbox, radio
	ClassLink
	ClassButton
	ClassSelect
	ClassFilefield
)

// Command kinds.
const (
	KindAlert        Kind = "alert"
	KindAttach       Kind = "attach"
	KindBrowser      Kind = "browser"
	KindCSV          Kind = "csv"
	KindDelete       Kind = "delete"
	KindDnD          Kind = "dnd"
	KindExecute      Kind = "execute"
	KindFrame        Kind = "frame"
	KindJavaplugin   Kind = "javaplugin"
	KindJavascript   Kind = "javascript"
	KindPluginloader Kind = "pluginloader"
	KindPuts         Kind = "puts"
	KindSavehtml     Kind = "savehtml"
	KindScreenshot   Kind = "screenshot"
	KindScript       Kind = "script"
	KindTimestamp    Kind = "timestamp"
	KindVar          Kind = "var"
	KindWait         Kind = "wait"
	KindWhitelist    Kind = "whitelist"
)

// Element kinds referenced by name in the interpreter.
const (
	KindButton    Kind = "button"
	KindCheckbox  Kind = "checkbox"
	KindDiv       Kind = "div"
	KindFilefield Kind = "filefield"
	KindForm      Kind = "form"
	KindImage     Kind = "image"
	KindLabel     Kind = "label"
	KindLink      Kind = "link"
	KindRadio     Kind = "radio"
	KindSelect    Kind = "select"
	KindTextfield Kind = "textfield"
)

// KindInfo describes how a kind is located and executed.
type KindInfo struct {
	Class Class
	// Tag and Type are '|'-separated allow-lists applied to located
	// elements. Empty matches everything.
	Tag  string
	Type string
}

var kinds = map[Kind]KindInfo{}

func reg(class Class, tag, typ string, names ...Kind) {
	for _, n := range names {
		kinds[n] = KindInfo{Class: class, Tag: tag, Type: typ}
	}
}

func init() {
	reg(ClassCommand, "", "",
		KindAlert, KindAttach, KindBrowser, KindCSV, KindDelete, KindDnD,
		KindExecute, KindFrame, KindJavaplugin, KindJavascript, KindPluginloader,
		KindPuts, KindSavehtml, KindScreenshot, KindScript, KindTimestamp,
		KindVar, KindWait, KindWhitelist)

	for _, tag := range []string{
		"div", "span", "h1", "h2", "h3", "h4", "h5", "h6", "address", "em",
		"strong", "dfn", "code", "samp", "kbd", "cite", "abbr", "acronym",
		"blockquote", "q", "sub", "sup", "p", "br", "pre", "ins", "del", "ul",
		"ol", "li", "dl", "dt", "dd", "table", "caption", "thead", "tfoot",
		"tbody", "colgroup", "col", "tr", "th", "td", "object", "map", "area",
		"tt", "i", "b", "big", "small", "strike", "s", "u", "hr", "form",
		"label", "option",
	} {
		reg(ClassSimple, tag, "", Kind(tag))
	}
	reg(ClassSimple, "img", "", KindImage)

	reg(ClassInteractive, "input", "", "input")
	reg(ClassInteractive, "input", "email", "email")
	reg(ClassInteractive, "input", "text", KindTextfield)
	reg(ClassInteractive, "input", "password", "password")
	reg(ClassInteractive, "input", "hidden", "hidden")
	reg(ClassInteractive, "textarea", "", "textarea")
	reg(ClassToggle, "input", "checkbox", KindCheckbox)
	reg(ClassToggle, "input", "radio", KindRadio)
	reg(ClassLink, "a", "", KindLink)
	reg(ClassButton, "input|button", "button|submit|reset|image", KindButton)
	reg(ClassSelect, "select", "", KindSelect, "select_list")
	reg(ClassFilefield, "input", "file", KindFilefield)
}

// Lookup returns the description of kind k.
func Lookup(k Kind) (KindInfo, bool) {
	info, ok := kinds[k]
	return info, ok
}

// Kinds returns every registered kind, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
