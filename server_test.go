package usbpiper

import (
	"testing"

	"github.com/billauer/usbpiper/internal/constants"
	"github.com/billauer/usbpiper/internal/usbio"
)

func TestEndpointSpecName(t *testing.T) {
	spec := EndpointSpec{Kind: "bulk", Number: 1, Dir: usbio.DirectionIn}
	if got, want := spec.name(), "usbpiper_bulk_in_01"; got != want {
		t.Errorf("name() = %q, want %q", got, want)
	}

	spec = EndpointSpec{Kind: "interrupt", Number: 3, Dir: usbio.DirectionOut}
	if got, want := spec.name(), "usbpiper_interrupt_out_03"; got != want {
		t.Errorf("name() = %q, want %q", got, want)
	}
}

func TestEndpointSpecFIFOSizeDefaults(t *testing.T) {
	in := EndpointSpec{Dir: usbio.DirectionIn}
	if got := in.fifoSize(); got != constants.InFIFOSize {
		t.Errorf("IN fifoSize() = %d, want %d", got, constants.InFIFOSize)
	}

	out := EndpointSpec{Dir: usbio.DirectionOut}
	if got := out.fifoSize(); got != constants.OutFIFOSize {
		t.Errorf("OUT fifoSize() = %d, want %d", got, constants.OutFIFOSize)
	}

	overridden := EndpointSpec{Dir: usbio.DirectionIn, FIFOSize: 4096}
	if got := overridden.fifoSize(); got != 4096 {
		t.Errorf("overridden fifoSize() = %d, want 4096", got)
	}
}

func TestDefaultParamsIsEmpty(t *testing.T) {
	params := DefaultParams()
	if len(params.Endpoints) != 0 {
		t.Errorf("DefaultParams() should have no endpoints, got %d", len(params.Endpoints))
	}
}

func TestServeRejectsNoEndpoints(t *testing.T) {
	_, err := Serve(nil, DefaultParams(), nil)
	if err == nil {
		t.Fatal("Serve with no endpoints should fail")
	}
	if !IsCode(err, ErrCodeInvalidRequest) {
		t.Errorf("expected ErrCodeInvalidRequest, got %v", err)
	}
}

func TestStopAndDeleteRejectsNilServer(t *testing.T) {
	if err := StopAndDelete(nil, nil); err == nil {
		t.Fatal("StopAndDelete(nil) should fail")
	}
}
