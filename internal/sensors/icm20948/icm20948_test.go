package icm20948

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ayna-qibla/internal/sensors"
)

type fakeI2C struct {
	mu     sync.Mutex
	regs   map[byte][]byte
	writes []writeOp

	// Optional overrides.
	readErrFor map[byte]error
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErrFor[reg]; err != nil {
		return 0, err
	}
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErrFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func (f *fakeI2C) wrote(reg, val byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if w.reg == reg && w.val == val {
			return true
		}
	}
	return false
}

func noSleep(t *testing.T) {
	t.Helper()
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })
}

func newIMU() *fakeI2C {
	return &fakeI2C{regs: map[byte][]byte{
		regWhoAmI: {whoAmIVal},
		// ax=16384 -> 2g, az=-16384 -> -2g, gx=16384 -> 125 dps.
		regAccelXoutH: {
			0x40, 0x00,
			0x00, 0x00,
			0xC0, 0x00,
			0x40, 0x00,
			0x00, 0x00,
			0xC0, 0x00,
		},
	}}
}

func newMag() *fakeI2C {
	return &fakeI2C{regs: map[byte][]byte{
		magRegWIA2: {magWIA2Val},
		magRegST1:  {magBitDRDY},
		// x=200 (30 uT), y=-100 (-15 uT), z=400 (60 uT), tmps, st2.
		magRegHXL: {0xC8, 0x00, 0x9C, 0xFF, 0x90, 0x01, 0x00, 0x00},
	}}
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x00}}}
	_, err := newWithIO(f, nil)
	require.Error(t, err)
}

func TestNew_WritesExpectedInitRegisters(t *testing.T) {
	noSleep(t)
	f := newIMU()
	_, err := newWithIO(f, nil)
	require.NoError(t, err)

	assert.True(t, f.wrote(regPwrMgmt1, bitReset), "reset")
	assert.True(t, f.wrote(regPwrMgmt1, 0x01), "wake")
	assert.True(t, f.wrote(regBankSel, bank2<<4), "bank2 select")
	assert.True(t, f.wrote(regIntPinCfg, bitBypassEn), "bypass enable")
	assert.True(t, f.wrote(regUserCtrl, 0x00), "i2c master off")
}

func TestReadMotion_ScalesAccelAndGyro(t *testing.T) {
	noSleep(t)
	d, err := newWithIO(newIMU(), nil)
	require.NoError(t, err)

	m, err := d.ReadMotion()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, m.Accel.X, 0.01)
	assert.InDelta(t, -2.0, m.Accel.Z, 0.01)
	assert.InDelta(t, 125.0, m.Gyro.X, 0.1)
	assert.InDelta(t, -125.0, m.Gyro.Z, 0.1)
}

func TestMagnetometer_ProbeAndRead(t *testing.T) {
	noSleep(t)
	mag := newMag()
	d, err := newWithIO(newIMU(), mag)
	require.NoError(t, err)
	require.True(t, d.HasMagnetometer())
	assert.True(t, mag.wrote(magRegCNTL2, magMode100))

	v, err := d.ReadMag()
	require.NoError(t, err)
	assert.InDelta(t, 30.0, v.X, 1e-9)
	assert.InDelta(t, 15.0, v.Y, 1e-9)
	assert.InDelta(t, -60.0, v.Z, 1e-9)
}

func TestMagnetometer_NotReadyAndOverflow(t *testing.T) {
	noSleep(t)
	mag := newMag()
	d, err := newWithIO(newIMU(), mag)
	require.NoError(t, err)

	mag.regs[magRegST1] = []byte{0x00}
	_, err = d.ReadMag()
	require.ErrorIs(t, err, errMagNotReady)

	mag.regs[magRegST1] = []byte{magBitDRDY}
	mag.regs[magRegHXL][7] = magBitHOFL
	_, err = d.ReadMag()
	require.ErrorIs(t, err, errMagOverflow)
}

func TestMagnetometer_MissingIsNotFatal(t *testing.T) {
	noSleep(t)
	mag := &fakeI2C{regs: map[byte][]byte{magRegWIA2: {0x00}}}
	d, err := newWithIO(newIMU(), mag)
	require.NoError(t, err)
	assert.False(t, d.HasMagnetometer())

	src := &Source{Dev: d}
	_, err = src.Subscribe(context.Background(), sensors.Magnetometer, 10*time.Millisecond)
	require.ErrorIs(t, err, sensors.ErrUnavailable)
}

func TestSource_SubscribeDeliversBothKinds(t *testing.T) {
	noSleep(t)
	d, err := newWithIO(newIMU(), newMag())
	require.NoError(t, err)
	src := &Source{Dev: d}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, kind := range []sensors.Kind{sensors.Accelerometer, sensors.Magnetometer} {
		sub, err := src.Subscribe(ctx, kind, 5*time.Millisecond)
		require.NoError(t, err)
		select {
		case s, ok := <-sub.C():
			require.True(t, ok)
			assert.Equal(t, kind, s.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("no %v sample", kind)
		}
		sub.Unsubscribe()
		sub.Unsubscribe()
	}
}

func TestSource_NilDevice(t *testing.T) {
	var src *Source
	_, err := src.Subscribe(context.Background(), sensors.Accelerometer, time.Millisecond)
	require.ErrorIs(t, err, sensors.ErrUnavailable)
	require.NoError(t, src.Close())
}
