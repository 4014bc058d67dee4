// Package api is a thin, typed wrapper over the qtest wire protocol: one
// method per qtest verb, each stringifying its integer arguments and
// validating the response shape its verb expects.
package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/qemu-mgmt/aqmp/aqmperr"
	"github.com/qemu-mgmt/aqmp/qtest"
)

// Endianness is the qtest target's byte order, as reported by the
// "endianness" verb.
type Endianness string

const (
	Big    Endianness = "big"
	Little Endianness = "little"
)

// API wraps a *qtest.Engine with one method per qtest verb.
type API struct {
	engine *qtest.Engine
}

// New wraps engine in the typed API.
func New(engine *qtest.Engine) *API {
	return &API{engine: engine}
}

func (a *API) execute(ctx context.Context, cmd string, args ...string) ([]string, error) {
	return a.engine.Execute(ctx, cmd, args...)
}

func decimal(v int64) string { return fmt.Sprintf("%d", v) }

func (a *API) out(ctx context.Context, cmd string, addr, value uint64) error {
	res, err := a.execute(ctx, cmd, decimal(int64(addr)), decimal(int64(value)))
	if err != nil {
		return err
	}
	if len(res) != 0 {
		return aqmperr.NewProtocolError(fmt.Sprintf("%s: expected empty response, got %v", cmd, res), nil)
	}
	return nil
}

func (a *API) in(ctx context.Context, cmd string, addr uint64) (uint64, error) {
	res, err := a.execute(ctx, cmd, decimal(int64(addr)))
	if err != nil {
		return 0, err
	}
	return parseSingleHex(cmd, res)
}

// parseSingleHex parses a single response token as an integer, accepting
// both decimal and "0x"-prefixed hexadecimal (base 0 auto-detects).
func parseSingleHex(cmd string, res []string) (uint64, error) {
	if len(res) != 1 {
		return 0, aqmperr.NewProtocolError(fmt.Sprintf("%s: expected one token, got %v", cmd, res), nil)
	}
	v, err := strconv.ParseInt(res[0], 0, 64)
	if err != nil {
		return 0, aqmperr.NewProtocolError(fmt.Sprintf("%s: malformed value %q", cmd, res[0]), err)
	}
	return uint64(v), nil
}

// Outb/Outw/Outl write a byte/word/long to an I/O port.
func (a *API) Outb(ctx context.Context, addr uint64, value uint8) error {
	return a.out(ctx, "outb", addr, uint64(value))
}
func (a *API) Outw(ctx context.Context, addr uint64, value uint16) error {
	return a.out(ctx, "outw", addr, uint64(value))
}
func (a *API) Outl(ctx context.Context, addr uint64, value uint32) error {
	return a.out(ctx, "outl", addr, uint64(value))
}

// Inb/Inw/Inl read a byte/word/long from an I/O port.
func (a *API) Inb(ctx context.Context, addr uint64) (uint8, error) {
	v, err := a.in(ctx, "inb", addr)
	return uint8(v), err
}
func (a *API) Inw(ctx context.Context, addr uint64) (uint16, error) {
	v, err := a.in(ctx, "inw", addr)
	return uint16(v), err
}
func (a *API) Inl(ctx context.Context, addr uint64) (uint32, error) {
	v, err := a.in(ctx, "inl", addr)
	return uint32(v), err
}

// Writeb/w/l/q write a byte/word/long/quad to guest memory.
func (a *API) Writeb(ctx context.Context, addr uint64, value uint8) error {
	return a.out(ctx, "writeb", addr, uint64(value))
}
func (a *API) Writew(ctx context.Context, addr uint64, value uint16) error {
	return a.out(ctx, "writew", addr, uint64(value))
}
func (a *API) Writel(ctx context.Context, addr uint64, value uint32) error {
	return a.out(ctx, "writel", addr, uint64(value))
}
func (a *API) Writeq(ctx context.Context, addr uint64, value uint64) error {
	return a.out(ctx, "writeq", addr, value)
}

// Readb/w/l/q read a byte/word/long/quad from guest memory.
func (a *API) Readb(ctx context.Context, addr uint64) (uint8, error) {
	v, err := a.in(ctx, "readb", addr)
	return uint8(v), err
}
func (a *API) Readw(ctx context.Context, addr uint64) (uint16, error) {
	v, err := a.in(ctx, "readw", addr)
	return uint16(v), err
}
func (a *API) Readl(ctx context.Context, addr uint64) (uint32, error) {
	v, err := a.in(ctx, "readl", addr)
	return uint32(v), err
}
func (a *API) Readq(ctx context.Context, addr uint64) (uint64, error) {
	return a.in(ctx, "readq", addr)
}

// Read reads size bytes of guest memory starting at addr, transferred as a
// hex blob with a leading "0x".
func (a *API) Read(ctx context.Context, addr, size uint64) ([]byte, error) {
	res, err := a.execute(ctx, "read", decimal(int64(addr)), decimal(int64(size)))
	if err != nil {
		return nil, err
	}
	if len(res) != 1 || len(res[0]) < 2 || res[0][:2] != "0x" {
		return nil, aqmperr.NewProtocolError(fmt.Sprintf("read: expected a 0x-prefixed hex blob, got %v", res), nil)
	}
	data, err := hex.DecodeString(res[0][2:])
	if err != nil {
		return nil, errors.Wrap(aqmperr.NewProtocolError("read: malformed hex blob", err), "read")
	}
	return data, nil
}

// B64Read reads size bytes of guest memory starting at addr, transferred as
// base64 to keep debug/CI logs smaller.
func (a *API) B64Read(ctx context.Context, addr, size uint64) ([]byte, error) {
	res, err := a.execute(ctx, "b64read", decimal(int64(addr)), decimal(int64(size)))
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, aqmperr.NewProtocolError(fmt.Sprintf("b64read: expected one token, got %v", res), nil)
	}
	data, err := base64.StdEncoding.DecodeString(res[0])
	if err != nil {
		return nil, errors.Wrap(aqmperr.NewProtocolError("b64read: malformed base64 blob", err), "b64read")
	}
	return data, nil
}

// Write writes data to guest memory starting at addr, as a 0x-prefixed hex
// blob.
func (a *API) Write(ctx context.Context, addr uint64, data []byte) error {
	res, err := a.execute(ctx, "write", decimal(int64(addr)), decimal(int64(len(data))), "0x"+hex.EncodeToString(data))
	if err != nil {
		return err
	}
	if len(res) != 0 {
		return aqmperr.NewProtocolError(fmt.Sprintf("write: expected empty response, got %v", res), nil)
	}
	return nil
}

// B64Write writes data to guest memory starting at addr, transferred as
// base64.
func (a *API) B64Write(ctx context.Context, addr uint64, data []byte) error {
	res, err := a.execute(ctx, "b64write", decimal(int64(addr)), decimal(int64(len(data))), base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return err
	}
	if len(res) != 0 {
		return aqmperr.NewProtocolError(fmt.Sprintf("b64write: expected empty response, got %v", res), nil)
	}
	return nil
}

// Memset fills size bytes of guest memory starting at addr with value.
func (a *API) Memset(ctx context.Context, addr, size uint64, value uint8) error {
	res, err := a.execute(ctx, "memset", decimal(int64(addr)), decimal(int64(size)), decimal(int64(value)))
	if err != nil {
		return err
	}
	if len(res) != 0 {
		return aqmperr.NewProtocolError(fmt.Sprintf("memset: expected empty response, got %v", res), nil)
	}
	return nil
}

// Endianness reports the target's byte order.
func (a *API) Endianness(ctx context.Context) (Endianness, error) {
	res, err := a.execute(ctx, "endianness")
	if err != nil {
		return "", err
	}
	if len(res) != 1 {
		return "", aqmperr.NewProtocolError(fmt.Sprintf("endianness: expected one token, got %v", res), nil)
	}
	switch Endianness(res[0]) {
	case Big, Little:
		return Endianness(res[0]), nil
	default:
		return "", aqmperr.NewProtocolError(fmt.Sprintf("endianness: unrecognized value %q", res[0]), nil)
	}
}

// Rtas calls an RTAS function. Per hw/ppc/spapr_rtas.c's qtest_rtas_call, a
// return code of -4 means the RTAS executor returned H_PARAMETER; any other
// nonzero code is a generic RTAS failure.
func (a *API) Rtas(ctx context.Context, cmd string, nargs int, argsAddr uint64, nret int, retAddr uint64) error {
	res, err := a.execute(ctx, "rtas", cmd, decimal(int64(nargs)), decimal(int64(argsAddr)), decimal(int64(nret)), decimal(int64(retAddr)))
	if err != nil {
		return err
	}
	rc, err := parseSingleHex("rtas", res)
	if err != nil {
		return err
	}
	switch rc := int64(rc); {
	case rc == -4:
		return aqmperr.NewProtocolError(fmt.Sprintf("rtas %s: RTAS executor returned H_PARAMETER (%d)", cmd, rc), nil)
	case rc != 0:
		return aqmperr.NewProtocolError(fmt.Sprintf("rtas %s: RTAS executor returned non-zero code %d", cmd, rc), nil)
	default:
		return nil
	}
}

// ClockStep advances the virtual clock by ns nanoseconds (or lets qtest
// pick an increment, when ns is nil) and returns the new clock value.
func (a *API) ClockStep(ctx context.Context, ns *int64) (uint64, error) {
	var res []string
	var err error
	if ns != nil {
		res, err = a.execute(ctx, "clock_step", decimal(*ns))
	} else {
		res, err = a.execute(ctx, "clock_step")
	}
	if err != nil {
		return 0, err
	}
	return parseSingleHex("clock_step", res)
}

// ClockSet sets the virtual clock to ns nanoseconds and returns the new
// clock value.
func (a *API) ClockSet(ctx context.Context, ns int64) (uint64, error) {
	res, err := a.execute(ctx, "clock_set", decimal(ns))
	if err != nil {
		return 0, err
	}
	return parseSingleHex("clock_set", res)
}

// ModuleLoad loads a QEMU module by prefix and library name.
func (a *API) ModuleLoad(ctx context.Context, prefix, libname string) error {
	res, err := a.execute(ctx, "module_load", prefix, libname)
	if err != nil {
		return err
	}
	if len(res) != 0 {
		return aqmperr.NewProtocolError(fmt.Sprintf("module_load: expected empty response, got %v", res), nil)
	}
	return nil
}

// IrqInterceptIn starts intercepting all named GPIO-in IRQs of qomPath.
func (a *API) IrqInterceptIn(ctx context.Context, qomPath string) error {
	res, err := a.execute(ctx, "irq_intercept_in", qomPath)
	if err != nil {
		return err
	}
	if len(res) != 0 {
		return aqmperr.NewProtocolError(fmt.Sprintf("irq_intercept_in: expected empty response, got %v", res), nil)
	}
	return nil
}

// IrqInterceptOut starts intercepting all unnamed GPIO-out IRQs of qomPath.
func (a *API) IrqInterceptOut(ctx context.Context, qomPath string) error {
	res, err := a.execute(ctx, "irq_intercept_out", qomPath)
	if err != nil {
		return err
	}
	if len(res) != 0 {
		return aqmperr.NewProtocolError(fmt.Sprintf("irq_intercept_out: expected empty response, got %v", res), nil)
	}
	return nil
}

// SetIrqIn sets the named input IRQ line num of qomPath to level.
func (a *API) SetIrqIn(ctx context.Context, qomPath, name string, num, level int) error {
	res, err := a.execute(ctx, "set_irq_in", qomPath, name, decimal(int64(num)), decimal(int64(level)))
	if err != nil {
		return err
	}
	if len(res) != 0 {
		return aqmperr.NewProtocolError(fmt.Sprintf("set_irq_in: expected empty response, got %v", res), nil)
	}
	return nil
}
