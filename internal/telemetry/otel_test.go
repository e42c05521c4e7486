package telemetry

import (
	"testing"

	"github.com/vnmchuo/llm-manager/config"
)

func TestInitTracer_None(t *testing.T) {
	shutdown, err := InitTracer("llm-manager", "test", &config.Config{OTELExporterType: "none"})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	shutdown()
}

func TestInitTracer_Stdout(t *testing.T) {
	shutdown, err := InitTracer("llm-manager", "test", &config.Config{OTELExporterType: "stdout"})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	shutdown()
}
