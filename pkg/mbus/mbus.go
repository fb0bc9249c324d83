package mbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonaz/gombus"
	"github.com/nergy-se/ilc/pkg/api/v1/meter"
	"github.com/sirupsen/logrus"
)

// Mbus reads an aggregate power meter on a serial M-Bus master.
type Mbus struct {
	device string
	conn   gombus.Conn
	mutex  *sync.Mutex
}

func New(device string) *Mbus {
	return &Mbus{
		device: device,
		mutex:  &sync.Mutex{},
	}
}

func (m *Mbus) init() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.conn != nil {
		return nil
	}
	c, err := gombus.DialSerial(m.device)
	if err != nil {
		return fmt.Errorf("error opening mbus device %s: %w", m.device, err)
	}
	m.conn = c
	return nil
}

func (m *Mbus) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

func (m *Mbus) ReadValues(model, idStr string) (meter.Data, error) {
	err := m.init()
	if err != nil {
		return meter.Data{}, err
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return meter.Data{}, fmt.Errorf("invalid mbus primary address %q: %w", idStr, err)
	}

	frame, err := m.read(id)
	if err != nil {
		// reopen the port on the next read
		m.Close()
		return meter.Data{}, err
	}

	values := make([]float64, len(frame.DataRecords))
	for i, rec := range frame.DataRecords {
		values[i] = rec.Value
	}
	return fromRecords(model, idStr, values, time.Now())
}

func (m *Mbus) read(primaryAddr int) (*gombus.DecodedFrame, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, err := m.conn.Write(gombus.SndNKE(uint8(primaryAddr)))
	if err != nil {
		return nil, err
	}

	err = m.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	if err != nil {
		return nil, err
	}

	_, err = gombus.ReadSingleCharFrame(m.conn)
	if err != nil {
		return nil, err
	}

	return gombus.ReadSingleFrame(m.conn, primaryAddr)
}

// record positions in the response of a meter model
type layout struct {
	totalWH, currentW, vll, vln, l1, l2, l3 int
}

var layouts = map[string]layout{
	"garo-GNM3D-MBUS": {totalWH: 0, currentW: 2, vll: 6, vln: 7, l1: 8, l2: 9, l3: 10},
}

func fromRecords(model, id string, values []float64, ts time.Time) (meter.Data, error) {
	l, ok := layouts[model]
	if !ok {
		return meter.Data{}, fmt.Errorf("unsupported mbus meter model %s", model)
	}
	if len(values) <= l.l3 {
		return meter.Data{}, fmt.Errorf("mbus meter %s answered %d records, %s needs %d", id, len(values), model, l.l3+1)
	}
	return meter.Data{
		Id:          id,
		Model:       model,
		Time:        ts,
		Total_WH:    values[l.totalWH],
		Current_W:   values[l.currentW],
		Current_VLL: values[l.vll],
		Current_VLN: values[l.vln],
		L1_A:        values[l.l1],
		L2_A:        values[l.l2],
		L3_A:        values[l.l3],
	}, nil
}

// Reader reads one meter.
type Reader interface {
	ReadValues(model, id string) (meter.Data, error)
}

// Poll reads the meter every interval until ctx is done and hands every successful reading to fn.
func Poll(ctx context.Context, r Reader, model, id string, interval time.Duration, fn func(meter.Data)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d, err := r.ReadValues(model, id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"model": model,
				"id":    id,
			}).Errorf("mbus: error reading meter: %s", err)
		} else {
			fn(d)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
