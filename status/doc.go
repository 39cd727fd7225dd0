// Package status reports what running machines are doing.
//
// The package follows the handler/writer pattern of log/slog:
//
//   - Line: writes free-text status messages for one machine
//   - Handler: receives and stores the status of every machine
//
// Besides messages, a Handler tracks the current node and lifecycle state of
// the machines it watches:
//
//	h := status.NewHandler()
//	sub := status.Track(eng, h)
//	defer sub.Close()
//
//	line := status.NewLine(m, logger, h)
//	line.Set("waiting for the reader lid to close")
//
//	for id, s := range h.All() {
//	    fmt.Println(id, s.Machine, s.Node, s.Message)
//	}
//
// # Error Capturing
//
// CaptureError updates the status line when a function fails:
//
//	return status.CaptureError(line, func() error {
//	    return transport.PickupTrayFrom(ctx, station, 1)
//	})
package status
