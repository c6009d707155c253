package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLevels(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "warn")
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("code", "ABCD1234").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "ABCD1234") {
		t.Errorf("output = %q", out)
	}

	if err = SetLevel("debug"); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	log.Debug().Msg("now shown")
	if !strings.Contains(buf.String(), "now shown") {
		t.Errorf("level change not applied: %q", buf.String())
	}

	if err = SetLevel("loud"); err == nil {
		t.Error("unknown level accepted")
	}
}
