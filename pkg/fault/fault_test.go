package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	calerrors "gantry-twist-go/pkg/errors"
)

func TestIsFatalText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text  string
		fatal bool
	}{
		{"MCU Shutdown", true},
		{"MCU 'mcu' shutdown: Timer too close", true},
		{"Lost communication with MCU 'mcu'", true},
		{"Printer is not ready", true},
		{"Heater not heating at expected rate", true},
		{"ADC out of range", true},
		{"Thermistor out of range on heater_bed", true},
		{"FIRMWARE_RESTART required", true},
		{"probe timeout due to retries", false},
		{"Probe triggered prior to movement", false},
		{"Move out of range: 310.000 150.000 2.000", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.fatal, IsFatalText(tt.text), "%q", tt.text)
	}
}

func TestIsFatalUsesWrappedMessage(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("point 3: %w", errors.New("Communication timeout during homing"))
	assert.True(t, IsFatal(err))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(errors.New("no trigger on probe after full movement")))
}

func TestTransportErrorIsFatal(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("probe compare: %w", calerrors.TransportError("moonraker connection closed", errors.New("EOF")))
	assert.True(t, IsFatal(err))
	assert.True(t, New("unrelated marker").IsFatal(err))
}

func TestClassifierExtend(t *testing.T) {
	t.Parallel()

	c := New("mcu shutdown")
	assert.False(t, c.IsFatalText("Endstop x still triggered"))

	c.Extend("  Endstop X still triggered ", "")
	assert.True(t, c.IsFatalText("Endstop x still triggered after retract"))
	assert.Len(t, c.Markers(), 2)

	// The package default is unaffected.
	assert.False(t, IsFatalText("Endstop x still triggered"))
}
