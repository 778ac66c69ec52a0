package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/michaelbrown/warden/internal/sandbox"
)

// readCode returns the snippet from -c, a file argument, or stdin ("-" or
// no argument).
func readCode(inline string, args []string) (code, path string, err error) {
	if inline != "" {
		return inline, "", nil
	}
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), "", nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", "", err
	}
	return string(data), args[0], nil
}

// resolveLanguage prefers the explicit flag and falls back to the file
// extension.
func resolveLanguage(flag, path string) (sandbox.Language, error) {
	if flag != "" {
		return sandbox.ParseLanguage(flag)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return sandbox.LangPython, nil
	case ".js", ".mjs", ".cjs":
		return sandbox.LangJavaScript, nil
	case ".sh", ".bash":
		return sandbox.LangShell, nil
	}
	return "", errors.New("cannot infer language; pass --lang")
}
