package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestOptionsFromEnv(t *testing.T) {
	env := map[string]string{
		"TABLETALK_API_URL":     " http://api:9090 ",
		"TABLETALK_API_KEY":     "key-1",
		"TABLETALK_CLI_TIMEOUT": "5s",
	}
	lookup := func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}

	var warn bytes.Buffer
	options := optionsFromEnv(lookup, &warn)
	if options.BaseURL != "http://api:9090" || options.APIKey != "key-1" || options.Timeout != 5*time.Second {
		t.Fatalf("optionsFromEnv() = %+v", options)
	}
	if warn.Len() != 0 {
		t.Fatalf("unexpected warning %q", warn.String())
	}

	env = map[string]string{"TABLETALK_CLI_TIMEOUT": "soon"}
	options = optionsFromEnv(lookup, &warn)
	if options.BaseURL != "http://localhost:8080" || options.Timeout != defaultCLITimeout {
		t.Fatalf("defaults = %+v", options)
	}
	if !strings.Contains(warn.String(), "TABLETALK_CLI_TIMEOUT") {
		t.Fatalf("warning = %q", warn.String())
	}
}
