//go:build tinygo

package main

import (
	"errors"
	"machine"

	"usmart/mainloop/gateway"
	"usmart/mainloop/wire"
)

const sensorPayloadVersion = "0.3.1"

var errNoMagnetometer = errors.New("sensors: no magnetometer fitted on this board")

// onboardSensors is the sensor payload for the bare gateway board: the
// MCU die temperature. The full environmental payload lives on the
// sensor expansion and replaces this binding when fitted.
type onboardSensors struct {
	completed  bool
	tempMilliC int32
	jsonBuf    [64]byte
}

func newSensorPayload() *onboardSensors {
	return &onboardSensors{}
}

func (s *onboardSensors) StartAcquisition() {
	s.completed = false
}

func (s *onboardSensors) ProcessAcquisition() {
	if s.completed {
		return
	}
	s.tempMilliC = machine.ReadTemperature()
	s.completed = true
}

func (s *onboardSensors) IsCompleted() bool { return s.completed }

func (s *onboardSensors) LatestDataJSON() []byte {
	if !s.completed {
		return nil
	}
	w := wire.NewWriter(s.jsonBuf[:])
	w.Raw(`{"temperatureC":`)
	w.Fixed2(float64(s.tempMilliC) / 1000.0)
	w.Byte('}')
	if w.Overflowed() {
		return nil
	}
	return w.Bytes()
}

func (s *onboardSensors) RunMagCalibration(feed func()) (gateway.MagCalibration, error) {
	feed()
	return gateway.MagCalibration{}, errNoMagnetometer
}
