package icm20948

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"ayna-qibla/internal/i2c"
)

var sleep = time.Sleep

// ICM-20948 driver: accelerometer and gyro from the main die, plus the
// AK09916 magnetometer reached through the I2C bypass mux.
//
// WHO_AM_I at 0x00 should return 0xEA; the AK09916 WIA2 register returns 0x09.

const (
	addrDefault    = 0x68
	addrMagnetometer = 0x0C

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regUserCtrl   = 0x03
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntPinCfg  = 0x0F
	bitBypassEn   = 0x02
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D // contiguous accel+gyro block

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	fsGyro250dps = 0x00
	fsAccel4g    = 0x02

	// AK09916.
	magRegWIA2  = 0x01
	magWIA2Val  = 0x09
	magRegST1   = 0x10
	magRegHXL   = 0x11
	magRegCNTL2 = 0x31
	magRegCNTL3 = 0x32
	magMode100  = 0x08
	magBitDRDY  = 0x01
	magBitHOFL  = 0x08
	// 0.15 uT per LSB.
	magScale = 0.15
)

var (
	errMagNotReady = errors.New("icm20948: magnetometer data not ready")
	errMagOverflow = errors.New("icm20948: magnetometer overflow")
)

// Motion is one accel+gyro reading.
type Motion struct {
	Time time.Time
	// Accel in G.
	Accel r3.Vec
	// Gyro in deg/s.
	Gyro r3.Vec
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

// Device serializes bus access; accel and magnetometer pollers share it.
type Device struct {
	mu  sync.Mutex
	dev regIO
	mag regIO // nil when the AK09916 did not answer

	curBank    byte
	scaleAccel float64
	scaleGyro  float64
}

func DefaultAddress() uint16 { return addrDefault }

// New probes and configures the chip behind dev. mag is the AK09916 handle on
// the same bus; it may be nil for accel-only operation.
func New(dev, mag *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	if mag == nil {
		return newWithIO(dev, nil)
	}
	return newWithIO(dev, mag)
}

func newWithIO(dev, mag regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}
	if mag != nil && d.initMag(mag) == nil {
		d.mag = mag
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	d.curBank = 0xFF
	if err := d.setBank(0); err != nil {
		return err
	}

	// Wake with auto clock select (CLKSEL=1).
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// The internal I2C master must be off for the bypass mux to expose the
	// magnetometer on the host bus.
	if err := d.dev.WriteReg(regUserCtrl, 0x00); err != nil {
		return fmt.Errorf("icm20948: user ctrl failed: %w", err)
	}
	if err := d.dev.WriteReg(regIntPinCfg, bitBypassEn); err != nil {
		return fmt.Errorf("icm20948: bypass enable failed: %w", err)
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}
	// ODR = 1125/(div+1); 50 Hz keeps up with a 20 ms poll.
	div := byte(1125/50 - 1)
	_ = d.dev.WriteReg(regGyroSmplrt, div)
	_ = d.dev.WriteReg(regAccelSmplrt2, div)

	if err := d.dev.WriteReg(regGyroConfig, fsGyro250dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel4g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 4.0 / 32768.0
	d.scaleGyro = 250.0 / 32768.0
	return nil
}

func (d *Device) initMag(mag regIO) error {
	wia, err := mag.ReadRegU8(magRegWIA2)
	if err != nil {
		return fmt.Errorf("icm20948: magnetometer probe failed: %w", err)
	}
	if wia != magWIA2Val {
		return fmt.Errorf("icm20948: magnetometer wia2=0x%02X want 0x%02X", wia, magWIA2Val)
	}
	if err := mag.WriteReg(magRegCNTL3, 0x01); err != nil {
		return fmt.Errorf("icm20948: magnetometer reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := mag.WriteReg(magRegCNTL2, magMode100); err != nil {
		return fmt.Errorf("icm20948: magnetometer mode failed: %w", err)
	}
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// HasMagnetometer reports whether the AK09916 answered during init.
func (d *Device) HasMagnetometer() bool {
	return d != nil && d.mag != nil
}

func (d *Device) ReadMotion() (Motion, error) {
	if d == nil {
		return Motion{}, fmt.Errorf("icm20948: device is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setBank(0); err != nil {
		return Motion{}, err
	}

	buf := make([]byte, 12)
	if err := d.dev.ReadReg(regAccelXoutH, buf); err != nil {
		return Motion{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	return Motion{
		Time: time.Now(),
		Accel: r3.Vec{
			X: float64(be16(buf[0:])) * d.scaleAccel,
			Y: float64(be16(buf[2:])) * d.scaleAccel,
			Z: float64(be16(buf[4:])) * d.scaleAccel,
		},
		Gyro: r3.Vec{
			X: float64(be16(buf[6:])) * d.scaleGyro,
			Y: float64(be16(buf[8:])) * d.scaleGyro,
			Z: float64(be16(buf[10:])) * d.scaleGyro,
		},
	}, nil
}

func (d *Device) ReadAccel() (r3.Vec, error) {
	m, err := d.ReadMotion()
	if err != nil {
		return r3.Vec{}, err
	}
	return m.Accel, nil
}

// ReadMag returns the field in microtesla, rotated into the accelerometer
// frame. It returns errMagNotReady when no new measurement is latched.
func (d *Device) ReadMag() (r3.Vec, error) {
	if d == nil || d.mag == nil {
		return r3.Vec{}, fmt.Errorf("icm20948: no magnetometer")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	st1, err := d.mag.ReadRegU8(magRegST1)
	if err != nil {
		return r3.Vec{}, fmt.Errorf("icm20948: magnetometer status failed: %w", err)
	}
	if st1&magBitDRDY == 0 {
		return r3.Vec{}, errMagNotReady
	}
	// HXL..HZH, TMPS, ST2. Reading ST2 releases the data latch.
	buf := make([]byte, 8)
	if err := d.mag.ReadReg(magRegHXL, buf); err != nil {
		return r3.Vec{}, fmt.Errorf("icm20948: magnetometer read failed: %w", err)
	}
	if buf[7]&magBitHOFL != 0 {
		return r3.Vec{}, errMagOverflow
	}
	x := float64(le16(buf[0:])) * magScale
	y := float64(le16(buf[2:])) * magScale
	z := float64(le16(buf[4:])) * magScale
	// AK09916 Y and Z point opposite to the accelerometer's.
	return r3.Vec{X: x, Y: -y, Z: -z}, nil
}

func be16(b []byte) int16 { return int16(b[0])<<8 | int16(b[1]) }
func le16(b []byte) int16 { return int16(b[1])<<8 | int16(b[0]) }
