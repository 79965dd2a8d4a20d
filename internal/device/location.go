package device

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/tarm/serial"

	"foresta.dev/guardian/internal/protocol"
)

// ErrNoFix is returned when no valid GPS fix could be read.
var ErrNoFix = errors.New("no valid GPS fix")

// LocationProvider reports the position of the device.
type LocationProvider interface {
	Location(ctx context.Context) (protocol.GPSCoordinates, error)
}

// StaticLocation is a surveyed position for units without a GPS receiver.
type StaticLocation protocol.GPSCoordinates

// Location implements LocationProvider.
func (s StaticLocation) Location(_ context.Context) (protocol.GPSCoordinates, error) {
	return protocol.GPSCoordinates(s), nil
}

// maxFixLines bounds how many NMEA sentences are read while waiting for a GGA fix.
const maxFixLines = 64

// NMEALocation reads GGA sentences from a GPS receiver on a serial port.
type NMEALocation struct {
	port        string
	baudRate    int
	readTimeout time.Duration
}

// NewNMEALocation creates a provider for the receiver on port.
func NewNMEALocation(port string, baudRate int) *NMEALocation {
	if baudRate <= 0 {
		baudRate = 9600
	}
	return &NMEALocation{port: port, baudRate: baudRate, readTimeout: 5 * time.Second}
}

// Location opens the port, waits for a GGA sentence with a valid fix and closes it again.
func (n *NMEALocation) Location(ctx context.Context) (protocol.GPSCoordinates, error) {
	port, err := serial.OpenPort(&serial.Config{Name: n.port, Baud: n.baudRate, ReadTimeout: n.readTimeout})
	if err != nil {
		return protocol.GPSCoordinates{}, err
	}

	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer func() {
		if stop() {
			_ = port.Close()
		}
	}()

	fix, err := ReadFix(port)
	if ctx.Err() != nil {
		return protocol.GPSCoordinates{}, ctx.Err()
	}
	return fix, err
}

// ReadFix scans NMEA sentences from r and returns the first GGA fix. HDOP is
// reported as the accuracy.
func ReadFix(r io.Reader) (protocol.GPSCoordinates, error) {
	scanner := bufio.NewScanner(r)
	for lines := 0; lines < maxFixLines && scanner.Scan(); lines++ {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") || !strings.Contains(line, "GGA,") {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			continue
		}
		gga, ok := sentence.(nmea.GGA)
		if !ok || gga.FixQuality == nmea.Invalid {
			continue
		}

		accuracy := gga.HDOP
		return protocol.GPSCoordinates{
			Latitude:  gga.Latitude,
			Longitude: gga.Longitude,
			Accuracy:  &accuracy,
		}, nil
	}

	if err := scanner.Err(); err != nil {
		return protocol.GPSCoordinates{}, err
	}
	return protocol.GPSCoordinates{}, ErrNoFix
}
