package risk

import "regexp"

// pattern is one ordered detection rule for interpreted languages.
type pattern struct {
	name  string
	level Level
	re    *regexp.Regexp
}

func p(level Level, name, expr string) pattern {
	return pattern{name: name, level: level, re: regexp.MustCompile(expr)}
}

// notMember excludes method calls such as re.compile( or model.eval(.
const notMember = `(?:^|[^.\w])`

var pythonPatterns = []pattern{
	p(Critical, "eval()", notMember+`eval\s*\(`),
	p(Critical, "exec()", notMember+`exec\s*\(`),
	p(Critical, "compile()", notMember+`compile\s*\(`),
	p(Critical, "__import__()", `__import__\s*\(`),
	p(Critical, "subprocess", `\bsubprocess\b`),
	p(Critical, "os process call", `\bos\.(?:system|popen|exec\w*|spawn\w*|fork\w*|kill\w*)\s*\(`),
	p(Critical, "process-control module", `(?m)^\s*(?:import|from)\s+(?:multiprocessing|pty|ctypes|signal)\b`),

	p(High, "file write", `\bopen\s*\([^)]*,\s*(?:mode\s*=\s*)?['"][rbt]*[wax+]`),
	p(High, "shutil file operation", `\bshutil\.(?:rmtree|move|copy\w*|chown)\s*\(`),
	p(High, "os file mutation", `\bos\.(?:remove|unlink|rmdir|removedirs|rename|replace|mkdir|makedirs|chmod|chown|truncate|symlink|link)\s*\(`),
	p(High, "pathlib mutation", `\.(?:write_text|write_bytes|unlink|rmdir|touch|symlink_to)\s*\(`),
	p(High, "os module import", `(?m)^\s*(?:import|from)\s+(?:os|sys|shutil|pathlib)\b`),

	p(Medium, "file read", `\bopen\s*\(`),
	p(Medium, "pathlib read", `\.(?:read_text|read_bytes|iterdir)\s*\(`),
	p(Medium, "directory listing", `\bos\.(?:listdir|scandir|walk|stat)\s*\(`),
	p(Medium, "glob", `\bglob\.`),
	p(Medium, "network module", `(?m)^\s*(?:import|from)\s+(?:socket|urllib|requests|http|ftplib|smtplib)\b`),
}

var javascriptPatterns = []pattern{
	p(Critical, "eval()", notMember+`eval\s*\(`),
	p(Critical, "Function constructor", `\bnew\s+Function\s*\(`),
	p(Critical, "child_process", `\bchild_process\b`),
	p(Critical, "process.binding", `\bprocess\.(?:binding|dlopen)\s*\(`),
	p(Critical, "vm module", `\brequire\s*\(\s*['"](?:node:)?vm['"]\s*\)`),

	p(High, "fs module", `\brequire\s*\(\s*['"](?:node:)?fs(?:/promises)?['"]\s*\)`),
	p(High, "fs module", `\bfrom\s+['"](?:node:)?fs(?:/promises)?['"]`),
	p(High, "file mutation", `\bfs\w*\.(?:writeFile|appendFile|unlink|rm|rmdir|mkdir|rename|chmod|chown|copyFile|symlink|truncate)\w*\s*\(`),
	p(High, "process.kill", `\bprocess\.kill\s*\(`),

	p(Medium, "file read", `\bfs\w*\.(?:readFile|readdir|stat|exists|createReadStream|opendir)\w*\s*\(`),
	p(Medium, "network access", `\bfetch\s*\(|\brequire\s*\(\s*['"](?:node:)?(?:http|https|net|dgram)['"]\s*\)`),
}

func matchPatterns(code string, patterns []pattern) matches {
	var m matches
	for _, pat := range patterns {
		if pat.re.MatchString(code) {
			m.add(pat.level, pat.name)
		}
	}
	return m
}
