package tui

// Keybinding constants
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPause    = "p"
	KeyResume   = "r"
	KeyStop     = "x"
	KeyMore     = "+"
	KeyFewer    = "-"
	KeyControl  = "c"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeyEsc      = "esc"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView() string {
	return StyleHelp.Render("p: pause | r: resume | x: stop | +/-: threads | c: command form | Tab: focus | j/k: scroll | q: close dashboard")
}
