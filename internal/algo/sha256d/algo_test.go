package sha256d

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"minerd/internal/device"
	"minerd/internal/device/devicetest"
	"minerd/internal/device/host"
	"minerd/internal/dispatch"
	"minerd/internal/work"
)

// Bitcoin block 1.
const (
	block1Prev   = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	block1Merkle = "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098"
	block1Time   = 1231469665
	block1Bits   = 0x1d00ffff
	block1Nonce  = 2573394689
)

func block1(t *testing.T) work.Unit {
	t.Helper()
	prev, _ := chainhash.NewHashFromStr(block1Prev)
	merkle, _ := chainhash.NewHashFromStr(block1Merkle)
	hdr := wire.NewBlockHeader(1, prev, merkle, block1Bits, 0)
	hdr.Timestamp = time.Unix(block1Time, 0)
	u, err := work.FromHeader("block1", hdr, work.TargetFromBits(block1Bits), 0)
	if err != nil {
		t.Fatalf("FromHeader: %v", err)
	}
	return u
}

func TestParseConfigDefaultsAndValidation(t *testing.T) {
	a := New(zerolog.Nop())
	o, err := a.ParseConfig(map[string]any{"concurrency": 1024})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := DefaultOptions()
	want.Concurrency = 1024
	if o != want {
		t.Fatalf("options = %+v", o)
	}

	bad := []map[string]any{
		{"concurrency": 100, "work_size": 64},
		{"max_nonces": 0},
		{"max_nonces": 4096},
		{"intensity": 12},
		{"concurrency": "many"},
	}
	for _, raw := range bad {
		if _, err := a.ParseConfig(raw); err == nil {
			t.Fatalf("%v: expected error", raw)
		}
	}
}

func TestChooseConfigPrefersLargestFit(t *testing.T) {
	a := New(zerolog.Nop())
	small := DefaultOptions()
	big := DefaultOptions()
	big.MinComputeUnits = 16
	wide := DefaultOptions()
	wide.WorkSize = 512
	configs := []Options{small, big, wide}

	cases := []struct {
		units, group int
		want         int
		ok           bool
	}{
		{units: 4, group: 256, want: 0, ok: true},
		{units: 32, group: 256, want: 1, ok: true},
		{units: 32, group: 0, want: 1, ok: true},
	}
	for _, c := range cases {
		got, ok := a.ChooseConfig(device.Device{ComputeUnits: c.units, MaxWorkGroup: c.group}, configs)
		if got != c.want || ok != c.ok {
			t.Fatalf("units=%d group=%d: got %d,%v", c.units, c.group, got, ok)
		}
	}
	if _, ok := a.ChooseConfig(device.Device{ComputeUnits: 1}, []Options{big}); ok {
		t.Fatal("device below every minimum got a configuration")
	}
}

func TestHashKernelMatchesHostHash(t *testing.T) {
	wu := block1(t)
	a := New(zerolog.Nop())

	wb := make([]byte, dispatch.WorkBlobSize)
	copy(wb, wu.Header[:])
	mid := a.Midstate(wu.Header)
	copy(wb[midstateAt:], mid[:])
	disp := make([]byte, dispatch.DispatchBlobSize)
	binary.LittleEndian.PutUint32(disp[4*wordNonceBase:], block1Nonce-3)
	scratch := make([]byte, 8*8)
	args := []device.Mem{device.NewMem(wb, nil), device.NewMem(disp, nil), device.NewMem(scratch, nil)}

	for gid := uint32(0); gid < 8; gid++ {
		hashItem(gid, args)
		h := wu.Hash(block1Nonce - 3 + gid)
		if got, want := args[2].Uint64(int(gid)*8), binary.LittleEndian.Uint64(h[24:]); got != want {
			t.Fatalf("gid %d: top=%016x want %016x", gid, got, want)
		}
	}
	// block 1 meets difficulty 1: its top 32 bits are zero
	if args[2].Uint64(3*8)>>32 != 0 {
		t.Fatalf("block 1 hash top = %016x", args[2].Uint64(3*8))
	}
}

func TestCompareKernelCountsPastCapacity(t *testing.T) {
	disp := make([]byte, dispatch.DispatchBlobSize)
	binary.LittleEndian.PutUint32(disp[4*wordTargetHi:], 0)
	binary.LittleEndian.PutUint32(disp[4*wordTargetLo:], 100)
	binary.LittleEndian.PutUint32(disp[4*wordMaxNonces:], 2)
	binary.LittleEndian.PutUint32(disp[4*wordNonceBase:], 1000)
	hashes := make([]byte, 8*4)
	for i, v := range []uint64{5, 1 << 40, 100, 7} {
		binary.LittleEndian.PutUint64(hashes[8*i:], v)
	}
	nonces := make([]byte, 4*3)
	args := []device.Mem{device.NewMem(disp, nil), device.NewMem(hashes, nil), device.NewMem(nonces, nil)}
	for gid := uint32(0); gid < 4; gid++ {
		compareItem(gid, args)
	}
	if n := args[2].Uint32(0); n != 3 {
		t.Fatalf("count = %d", n)
	}
	if args[2].Uint32(1) != 1000 || args[2].Uint32(2) != 1002 {
		t.Fatalf("stored %d %d", args[2].Uint32(1), args[2].Uint32(2))
	}
}

func TestBuildResourcesReleasesOnFailure(t *testing.T) {
	drv := devicetest.New([]int{4})
	plats, _ := drv.Platforms()
	ctx, err := drv.CreateContext(plats[0], plats[0].Devices)
	if err != nil {
		t.Fatal(err)
	}
	// work, dispatch, then hashes
	drv.FailBuffer(0, 2, errors.New("out of memory"))

	a := New(zerolog.Nop())
	if _, err := a.BuildDeviceResources(ctx, plats[0].Devices[0], DefaultOptions()); err == nil {
		t.Fatal("expected failure")
	}
	if live := drv.Live(); live != (devicetest.Counts{Contexts: 1}) {
		t.Fatalf("partial resources leaked: %+v", live)
	}

	res, err := a.BuildDeviceResources(ctx, plats[0].Devices[0], DefaultOptions())
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if len(res.Mapped) != 4*(1+defaultNonceSlots) {
		t.Fatalf("mapped = %d bytes", len(res.Mapped))
	}
	if err := res.Release(); err != nil {
		t.Fatal(err)
	}
	if live := drv.Live(); live != (devicetest.Counts{Contexts: 1}) {
		t.Fatalf("release leaked: %+v", live)
	}
}

func TestHostDriverFindsBlock1Nonce(t *testing.T) {
	drv := host.New(host.Config{Platforms: []host.PlatformConfig{{Devices: 1, ComputeUnits: 4}}}, zerolog.Nop())
	d := dispatch.New[Options, *Resources](New(zerolog.Nop()), drv)
	defer d.Close()
	if _, err := d.AddConfiguration(map[string]any{"concurrency": 512, "max_nonces": 4, "work_size": 64}); err != nil {
		t.Fatal(err)
	}
	plats, _ := drv.Platforms()
	if _, err := d.AllocateResources(d.SelectDevices(plats)); err != nil {
		t.Fatal(err)
	}

	wu := block1(t)
	base := uint32(block1Nonce - 200)
	if _, err := d.BeginStep(0, 0, wu, base); err != nil {
		t.Fatal(err)
	}
	for s := 0; s < d.Steps(); s++ {
		if err := d.Dispatch(0, 0); err != nil {
			t.Fatal(err)
		}
	}
	sig, ok := d.GetWaitHandles(0, 0)
	if !ok {
		t.Fatal("no wait handle")
	}
	if err := sig.Wait(); err != nil {
		t.Fatal(err)
	}
	res, ok, err := d.ResultsAvailable(0, 0)
	if err != nil || !ok {
		t.Fatalf("harvest: ok=%v err=%v", ok, err)
	}
	if res.NonceBase != base {
		t.Fatalf("nonce base = %d", res.NonceBase)
	}
	if len(res.Nonces) != 1 || res.Nonces[0] != block1Nonce {
		t.Fatalf("nonces = %v", res.Nonces)
	}
	if _, ok := res.Work.Check(res.Nonces[0]); !ok {
		t.Fatal("reported nonce fails host check")
	}
}
