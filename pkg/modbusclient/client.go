package modbusclient

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"
)

// Client is the register access used by the modbus actuator.
type Client interface {
	ReadInputRegister(address uint16) (int, error)
	ReadHoldingRegister16(address uint16) (int, error)
	ReadHoldingRegister32(address uint16) (int, error)
	ReadCoil(address uint16) (bool, error)
	WriteSingleRegister(address uint16, value int) error
	WriteSingleCoil(address uint16, on bool) error
	Close() error
}

type client struct {
	client modbus.Client
	close  func() error
	sync.Mutex
}

func New(c modbus.Client, close func() error) *client {
	return &client{
		client: c,
		close:  close,
	}
}

// Dial returns a client for a modbus TCP server. The connection is opened on first use and
// reopened after broken pipes and timeouts.
func Dial(address string, slaveID byte, timeout time.Duration) *client {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = slaveID
	handler.Timeout = timeout
	handler.IdleTimeout = time.Minute
	return New(modbus.NewClient(handler), handler.Close)
}

func (c *client) closeIfNeeded(e error) {
	if e == nil {
		return
	}

	if errors.Is(e, syscall.EPIPE) || errors.Is(e, syscall.ECONNRESET) {
		logrus.Warn("modbus: reconnect due to broken connection")
		err := c.close()
		if err != nil {
			logrus.Errorf("modbus: error closing client: %s", err)
		}
		return
	}

	if errors.Is(e, os.ErrDeadlineExceeded) {
		logrus.Warn("modbus: reconnect due to i/o timeout")
		err := c.close()
		if err != nil {
			logrus.Errorf("modbus: error closing client: %s", err)
		}
	}
}

func (c *client) Close() error {
	return c.close()
}

func (c *client) ReadInputRegister(address uint16) (int, error) {
	c.Lock()
	defer c.Unlock()
	b, err := c.client.ReadInputRegisters(address, 1)
	if err != nil {
		c.closeIfNeeded(err)
		return 0, fmt.Errorf("error reading input register %d: %w", address, err)
	}
	return Decode(b), nil
}

func (c *client) ReadHoldingRegister16(address uint16) (int, error) {
	return c.readHoldingRegister(address, 1)
}

func (c *client) ReadHoldingRegister32(address uint16) (int, error) {
	return c.readHoldingRegister(address, 2)
}

func (c *client) readHoldingRegister(address, count uint16) (int, error) {
	c.Lock()
	defer c.Unlock()
	b, err := c.client.ReadHoldingRegisters(address, count)
	if err != nil {
		c.closeIfNeeded(err)
		return 0, fmt.Errorf("error reading holding register %d: %w", address, err)
	}
	return Decode(b), nil
}

func (c *client) ReadCoil(address uint16) (bool, error) {
	c.Lock()
	defer c.Unlock()
	b, err := c.client.ReadCoils(address, 1)
	if err != nil {
		c.closeIfNeeded(err)
		return false, fmt.Errorf("error reading coil %d: %w", address, err)
	}
	return len(b) > 0 && b[0]&0x01 == 1, nil
}

func (c *client) WriteSingleRegister(address uint16, value int) error {
	if value < -32768 || value > 65535 {
		return fmt.Errorf("value %d out of range for register %d", value, address)
	}
	c.Lock()
	defer c.Unlock()
	// negative values are written as two's complement
	_, err := c.client.WriteSingleRegister(address, uint16(value))
	if err != nil {
		c.closeIfNeeded(err)
		return fmt.Errorf("error writing address %d value %d error: %w", address, value, err)
	}
	return nil
}

func (c *client) WriteSingleCoil(address uint16, on bool) error {
	c.Lock()
	defer c.Unlock()
	_, err := c.client.WriteSingleCoil(address, CoilValue(on))
	if err != nil {
		c.closeIfNeeded(err)
		return fmt.Errorf("error writing coil %d value %t error: %w", address, on, err)
	}
	return nil
}

// Decode High byte first high word first (big endian)
func Decode(data []byte) int {
	switch len(data) {
	case 1:
		var i int8
		binary.Read(bytes.NewBuffer(data), binary.BigEndian, &i)
		return int(i)
	case 2:
		var i int16
		binary.Read(bytes.NewBuffer(data), binary.BigEndian, &i)
		return int(i)
	case 4:
		var i int32
		binary.Read(bytes.NewBuffer(data), binary.BigEndian, &i)
		return int(i)
	case 8:
		var i int64
		binary.Read(bytes.NewBuffer(data), binary.BigEndian, &i)
		return int(i)
	}

	return 0
}

func CoilValue(b bool) uint16 {
	if b {
		return WriteCoilValueOn
	}
	return WriteCoilValueOff
}

const (
	WriteCoilValueOn  uint16 = 0xff00
	WriteCoilValueOff uint16 = 0
)
