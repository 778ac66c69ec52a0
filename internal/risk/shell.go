package risk

import (
	"path"
	"regexp"
	"strings"
)

// safeCommands only read or print.
var safeCommands = map[string]bool{
	"ls": true, "cat": true, "echo": true, "pwd": true, "printf": true,
	"whoami": true, "date": true, "head": true, "tail": true,
	"wc": true, "sort": true, "uniq": true, "grep": true, "egrep": true,
	"fgrep": true, "find": true, "cut": true, "tr": true, "tree": true,
	"which": true, "file": true, "basename": true, "dirname": true,
	"realpath": true, "stat": true, "du": true, "df": true, "id": true,
	"uname": true, "hostname": true, "true": true, "false": true,
	"test": true, "[": true, "seq": true, "diff": true, "cmp": true,
	"md5sum": true, "sha256sum": true, "sleep": true, "nl": true,
}

// destructiveCommands change or destroy system state.
var destructiveCommands = map[string]bool{
	"rm": true, "rmdir": true, "mv": true, "dd": true, "shred": true,
	"truncate": true, "sudo": true, "su": true, "doas": true,
	"chmod": true, "chown": true, "chgrp": true, "kill": true,
	"killall": true, "pkill": true, "shutdown": true, "reboot": true,
	"halt": true, "poweroff": true, "mount": true, "umount": true,
	"crontab": true, "useradd": true, "userdel": true, "passwd": true,
	"iptables": true, "systemctl": true,
}

// shellKeywords precede a command in the same segment.
var shellKeywords = map[string]bool{
	"if": true, "then": true, "else": true, "elif": true, "do": true,
	"while": true, "until": true, "!": true, "time": true, "{": true, "(": true,
}

// shellNoops end a compound statement or carry no command of their own.
var shellNoops = map[string]bool{
	"fi": true, "done": true, "esac": true, "}": true, ")": true, "for": true,
	"case": true, "export": true, "local": true, "readonly": true, "set": true,
	"cd": true, "exit": true, "return": true, "shift": true, ":": true,
}

// wrapperFlags lists the prefix commands that run another command, each
// with the flags that consume the following word.
var wrapperFlags = map[string]map[string]bool{
	"sudo":    {"-u": true, "-g": true, "-C": true, "-h": true, "-p": true, "-U": true, "-r": true, "-t": true, "-D": true},
	"doas":    {"-u": true, "-C": true},
	"env":     {"-u": true, "-C": true, "--unset": true, "--chdir": true},
	"nice":    {"-n": true, "--adjustment": true},
	"ionice":  {"-c": true, "-n": true, "-p": true},
	"timeout": {"-s": true, "-k": true, "--signal": true, "--kill-after": true},
	"xargs":   {"-I": true, "-n": true, "-P": true, "-L": true, "-s": true, "-d": true, "-E": true, "-a": true},
	"stdbuf":  {"-i": true, "-o": true, "-e": true},
	"nohup":   nil,
	"exec":    {"-a": true},
	"command": nil,
	"builtin": nil,
	"setsid":  nil,
	"chrt":    nil,
	"taskset": nil,
}

// privilegeWrappers run their command as another user.
var privilegeWrappers = map[string]bool{"sudo": true, "doas": true}

// inlineShells take a script as the argument of -c.
var inlineShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "su": true,
}

// pipeTargets are interpreters that must never receive downloaded content.
var pipeTargets = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
	"python": true, "python3": true, "perl": true, "ruby": true, "node": true,
}

var (
	fdDup            = regexp.MustCompile(`[0-9]*>&[0-9-]+`)
	segmentSep       = regexp.MustCompile(`&&|\|\||[;|&\n]`)
	chainSep         = regexp.MustCompile(`&&|\|\||[;&\n]`)
	envAssignment    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
	redirectTarget   = regexp.MustCompile(`>>?\s*([^\s;&|]+)`)
	substituteFetch  = regexp.MustCompile(`(?:\b(?:sh|bash|zsh|dash|ksh|eval|source)|(?:^|[\s;])\.)\s[^;\n|]*?(?:\$\(|<\(|` + "`" + `)\s*(?:curl|wget)\b`)
	forkBombCompact  = regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)
	forkBombFunction = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*\)\s*\{([^}]*)\}`)
)

// assessShell runs the deny-list over the whole script first, then grades
// each command segment.
func assessShell(code string) matches {
	var m matches

	if isForkBomb(code) {
		m.deny("fork bomb")
	}
	if fetchesIntoShell(code) {
		m.deny("download piped to shell")
	}
	if runsDownload(code) {
		m.deny("downloaded file executed")
	}

	for _, seg := range splitSegments(code) {
		fields, wrappers := unwrapCommand(commandFields(seg))
		for _, w := range wrappers {
			if privilegeWrappers[w] {
				m.add(High, "privilege escalation: "+w)
			}
		}
		if len(fields) == 0 {
			continue
		}
		base := baseCommand(fields[0])
		args := fields[1:]

		if script, ok := inlineScript(base, args); ok {
			m.merge(assessShell(script))
		}

		switch {
		case base == "rm" && isRecursive(args) && anyDangerousTarget(args):
			m.deny("recursive delete of root or home")
		case (base == "chmod" || base == "chown") && isRecursive(args) && anyDangerousTarget(args):
			m.deny("recursive " + base + " of root or home")
		case strings.HasPrefix(base, "mkfs"):
			m.deny("filesystem format")
		case base == "dd" && anyArg(args, isDangerousDDTarget):
			m.deny("raw write to block device")
		case destructiveCommands[base]:
			m.add(High, "destructive command: "+base)
		case base == "find" && anyArg(args, func(a string) bool {
			return a == "-delete" || a == "-exec" || a == "-execdir" || a == "-ok"
		}):
			m.add(High, "find with side effects")
		case safeCommands[base]:
		default:
			m.add(Medium, "unrecognized command: "+base)
		}
	}

	if strings.Contains(code, "$(") || strings.Contains(code, "`") {
		m.add(Medium, "command substitution")
	}
	for _, match := range redirectTarget.FindAllStringSubmatch(fdDup.ReplaceAllString(code, ""), -1) {
		switch match[1] {
		case "/dev/null", "/dev/stdout", "/dev/stderr":
		default:
			m.add(Low, "output redirection")
		}
	}
	return m
}

// splitSegments breaks a script into simple commands on ; && || | & and
// newlines. Quoting is not interpreted; the split errs towards more segments.
func splitSegments(code string) []string {
	return segmentSep.Split(fdDup.ReplaceAllString(code, ""), -1)
}

// commandFields strips leading keywords and env assignments from a segment.
func commandFields(seg string) []string {
	fields := strings.Fields(seg)
	for len(fields) > 0 {
		f := fields[0]
		switch {
		case shellKeywords[f], envAssignment.MatchString(f):
			fields = fields[1:]
		case shellNoops[f], strings.HasPrefix(f, "#"):
			return nil
		default:
			if i := strings.Index(f, "()"); i > 0 {
				// function definition header
				return nil
			}
			return fields
		}
	}
	return nil
}

// unwrapCommand strips prefix commands such as sudo, env or xargs, with
// their flags, and returns the command they run plus the wrappers seen.
func unwrapCommand(fields []string) ([]string, []string) {
	var wrappers []string
	for len(fields) > 0 {
		base := baseCommand(fields[0])
		argFlags, ok := wrapperFlags[base]
		if !ok {
			break
		}
		wrappers = append(wrappers, base)
		rest := fields[1:]
		for len(rest) > 0 {
			a := rest[0]
			if a == "--" {
				rest = rest[1:]
				break
			}
			if !strings.HasPrefix(a, "-") || a == "-" {
				break
			}
			rest = rest[1:]
			if argFlags[a] && len(rest) > 0 {
				rest = rest[1:]
			}
		}
		if base == "timeout" && len(rest) > 0 {
			// duration
			rest = rest[1:]
		}
		for len(rest) > 0 && envAssignment.MatchString(rest[0]) {
			rest = rest[1:]
		}
		fields = rest
	}
	return fields, wrappers
}

// inlineScript returns the script passed to a shell with -c.
func inlineScript(base string, args []string) (string, bool) {
	if !inlineShells[base] {
		return "", false
	}
	for i, a := range args {
		if a == "--" {
			break
		}
		if a == "-c" || (strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.HasSuffix(a, "c")) {
			script := strings.Trim(strings.Join(args[i+1:], " "), `"'`)
			return script, script != ""
		}
	}
	return "", false
}

// baseCommand strips any leading directory from a command path.
func baseCommand(cmd string) string {
	cmd = strings.Trim(cmd, `"'`)
	cmd = strings.TrimRight(cmd, "/")
	if i := strings.LastIndex(cmd, "/"); i >= 0 {
		return cmd[i+1:]
	}
	return cmd
}

func isRecursive(args []string) bool {
	for _, a := range args {
		if a == "--" {
			break
		}
		if a == "--recursive" {
			return true
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsAny(a, "rR") {
			return true
		}
	}
	return false
}

func anyArg(args []string, fn func(string) bool) bool {
	for _, a := range args {
		if fn(a) {
			return true
		}
	}
	return false
}

func anyDangerousTarget(args []string) bool {
	return anyArg(args, isDangerousTarget)
}

// isDangerousTarget reports whether arg names the filesystem root or a home
// directory after normalization.
func isDangerousTarget(arg string) bool {
	arg = strings.Trim(arg, `"'`)
	if arg == "" {
		return false
	}
	switch path.Clean(arg) {
	case "/", "/*", "~", "~/*", "$HOME", "${HOME}", "$HOME/*", "${HOME}/*", "/home", "/root", "/etc", "/usr", "/var", "/boot":
		return true
	}
	for _, prefix := range []string{"~", "$HOME", "${HOME}"} {
		tail, ok := strings.CutPrefix(arg, prefix)
		if !ok || tail == "" || tail[0] != '/' {
			continue
		}
		for _, seg := range strings.Split(tail, "/") {
			if seg == ".." {
				return true
			}
		}
	}
	return false
}

func isDangerousDDTarget(arg string) bool {
	dev, ok := strings.CutPrefix(arg, "of=/dev/")
	if !ok {
		return false
	}
	switch dev {
	case "null", "zero", "stdout", "stderr":
		return false
	}
	return true
}

func isForkBomb(code string) bool {
	if forkBombCompact.MatchString(code) {
		return true
	}
	for _, m := range forkBombFunction.FindAllStringSubmatch(code, -1) {
		name, body := m[1], strings.Join(strings.Fields(m[2]), "")
		if strings.Contains(body, name+"|"+name) {
			return true
		}
	}
	return false
}

// fetchesIntoShell detects curl/wget output flowing into an interpreter,
// either through a pipe or through substitution into sh, eval or source.
func fetchesIntoShell(code string) bool {
	if substituteFetch.MatchString(code) {
		return true
	}
	for _, chain := range chainSep.Split(fdDup.ReplaceAllString(code, ""), -1) {
		fetched := false
		for i, part := range strings.Split(chain, "|") {
			fields := commandFields(part)
			if len(fields) == 0 {
				continue
			}
			fields, _ = unwrapCommand(fields)
			if len(fields) == 0 {
				continue
			}
			base := baseCommand(fields[0])
			if i > 0 && fetched && pipeTargets[base] {
				return true
			}
			if base == "curl" || base == "wget" {
				fetched = true
			}
		}
	}
	return false
}

// runsDownload detects a file fetched by curl or wget that a later command
// in the same script executes, directly or through an interpreter.
func runsDownload(code string) bool {
	downloaded := map[string]bool{}
	for _, seg := range splitSegments(code) {
		fields, _ := unwrapCommand(commandFields(seg))
		if len(fields) == 0 {
			continue
		}
		base := baseCommand(fields[0])
		args := fields[1:]
		switch {
		case base == "curl" || base == "wget":
			for _, f := range downloadTargets(base, args) {
				downloaded[f] = true
			}
			continue
		case len(downloaded) == 0:
			continue
		}

		if downloaded[scriptPath(fields[0])] {
			return true
		}
		if pipeTargets[base] || base == "source" || base == "." || inlineShells[base] {
			for _, a := range args {
				if downloaded[scriptPath(a)] {
					return true
				}
			}
		}
	}
	return false
}

// downloadTargets lists the local files a curl or wget invocation writes.
func downloadTargets(base string, args []string) []string {
	var out []string
	remoteName := base == "wget"
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == ">" || a == ">>":
			if i+1 < len(args) {
				out = append(out, scriptPath(args[i+1]))
				i++
			}
		case strings.HasPrefix(a, ">"):
			out = append(out, scriptPath(strings.TrimLeft(a, ">")))
		case base == "curl" && (a == "-o" || a == "--output"),
			base == "wget" && (a == "-O" || a == "--output-document"):
			if i+1 < len(args) && args[i+1] != "-" {
				out = append(out, scriptPath(args[i+1]))
			}
			remoteName = false
			i++
		case base == "curl" && (a == "-O" || a == "--remote-name"):
			remoteName = true
		}
	}
	if remoteName {
		for _, a := range args {
			a = strings.Trim(a, `"'`)
			if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") || strings.HasPrefix(a, "ftp://") {
				if name := path.Base(strings.SplitN(a, "?", 2)[0]); name != "" && name != "/" && name != "." {
					out = append(out, name)
				}
			}
		}
	}
	return out
}

func scriptPath(arg string) string {
	return path.Clean(strings.Trim(arg, `"'`))
}
