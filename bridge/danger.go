package bridge

import "strings"

// dangerousPrimitives are command names whose raw arguments never leave the
// machine in clear text. Prompts for them carry a kind label only.
var dangerousPrimitives = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"dd":       {},
	"shred":    {},
	"mkswap":   {},
	"fdisk":    {},
	"parted":   {},
	"wipefs":   {},
	"truncate": {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"killall":  {},
	"pkill":    {},
}

// transparentWrappers run another command without changing what it does.
// A dangerous name behind one of these is still in command position.
var transparentWrappers = map[string]struct{}{
	"sudo":    {},
	"doas":    {},
	"env":     {},
	"nohup":   {},
	"xargs":   {},
	"time":    {},
	"command": {},
	"exec":    {},
	"nice":    {},
}

// DangerousCommand reports whether a shell command line invokes a
// destructive primitive in command position: at the start of the line, after
// a separator (;, &&, ||, |, &, subshell parens), or behind a transparent
// wrapper like sudo. Detection is a conservative token scan, not a shell
// parse; a flagged name in argument position can trip it, which only
// redacts more than strictly needed.
func DangerousCommand(command string) bool {
	atCommand := true
	for _, tok := range shellTokens(command) {
		if isSeparator(tok) {
			atCommand = true
			continue
		}
		if !atCommand {
			continue
		}
		if isDangerousName(tok) {
			return true
		}
		if transparent(tok) {
			continue
		}
		atCommand = false
	}
	return false
}

func isDangerousName(tok string) bool {
	name := tok
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if _, ok := dangerousPrimitives[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "mkfs")
}

// transparent keeps the scan in command position across wrappers, their
// flags, and leading VAR=value assignments.
func transparent(tok string) bool {
	if _, ok := transparentWrappers[tok]; ok {
		return true
	}
	if strings.HasPrefix(tok, "-") {
		return true
	}
	if i := strings.IndexByte(tok, '='); i > 0 {
		return true
	}
	return false
}

func isSeparator(tok string) bool {
	for i := 0; i < len(tok); i++ {
		switch tok[i] {
		case ';', '|', '&', '(', ')':
		default:
			return false
		}
	}
	return len(tok) > 0
}

// shellTokens splits a command line on whitespace and splits separator runs
// (;, |, &, parens) into their own tokens even when written unspaced.
func shellTokens(command string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch c {
		case ' ', '\t', '\n', '\r':
			flush()
		case ';', '|', '&', '(', ')':
			flush()
			j := i
			for j+1 < len(command) && isSeparatorByte(command[j+1]) {
				j++
			}
			toks = append(toks, command[i:j+1])
			i = j
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return toks
}

func isSeparatorByte(c byte) bool {
	switch c {
	case ';', '|', '&', '(', ')':
		return true
	}
	return false
}
