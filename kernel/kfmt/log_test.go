package kfmt

import (
	"bytes"
	"strings"
	"testing"
)

func TestEarlyOutputIsReplayed(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	earlyPrintBuffer = ringBuffer{}

	Printf("booting %s\n", "hart 0")
	Logger("test").Info("early entry")

	var buf bytes.Buffer
	SetOutputSink(&buf)

	got := buf.String()
	for _, exp := range []string{"booting hart 0\n", "early entry", "module=test"} {
		if !strings.Contains(got, exp) {
			t.Errorf("expected replayed output to contain %q; got %q", exp, got)
		}
	}

	buf.Reset()
	Printf("after sink")
	if exp, got := "after sink", buf.String(); got != exp {
		t.Fatalf("expected sink to receive %q; got %q", exp, got)
	}
}

func TestSetLevel(t *testing.T) {
	defer func() {
		SetOutputSink(nil)
		_ = SetLevel("info")
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if err := SetLevel("warn"); err != nil {
		t.Fatal(err)
	}

	Logger("test").Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info entry to be filtered; got %q", buf.String())
	}

	Logger("test").Warn("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected warn entry to be written; got %q", buf.String())
	}

	if err := SetLevel("bogus"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestSetFormat(t *testing.T) {
	defer func() {
		SetOutputSink(nil)
		_ = SetFormat("text")
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if err := SetFormat("json"); err != nil {
		t.Fatal(err)
	}

	Logger("buddy").Warn("json entry")
	if got := buf.String(); !strings.Contains(got, `"module":"buddy"`) {
		t.Fatalf("expected JSON output with a module field; got %q", got)
	}

	if err := SetFormat("xml"); err == nil {
		t.Fatal("expected an error for an unsupported format")
	}
}
