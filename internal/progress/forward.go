package progress

import (
	"context"
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"

	"wablast/internal/eventbus"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

// Forward translates session lifecycle signals from the event bus into hub
// events. QR challenges arrive as raw provider strings and are rendered to a
// PNG data URL observers can display directly. Blocks until ctx is cancelled;
// run it under the supervisor.
func Forward(ctx context.Context, bus eventbus.Bus, hub *Hub, log logx.Logger) error {
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			switch e.Type {
			case eventbus.SignalQR:
				raw, _ := e.Data.(string)
				if raw == "" {
					continue
				}
				dataURL, err := renderQR(raw)
				if err != nil {
					log.Warn("qr render failed", logx.Err(err))
					continue
				}
				hub.QR(dataURL)
			case eventbus.SignalReady:
				hub.Status(session.StateConnected)
			case eventbus.SignalAuthFailed, eventbus.SignalDisconnected:
				hub.Status(session.StateNotConnected)
			}
		}
	}
}

func renderQR(raw string) (string, error) {
	png, err := qrcode.Encode(raw, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
