//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"time"

	"openenterprise/fwupdate/config"
	"openenterprise/fwupdate/flashmap"
	"openenterprise/fwupdate/link"
)

const versionQueryTimeout = 10 * time.Second

var errVersionQueryTimeout = errors.New("fwupdated: version query timed out")

// httpVersionQuerier issues the HTTP GET version-check request over
// whichever link.Adapter the caller hands it, satisfying
// updatecontroller.VersionQuerier.
type httpVersionQuerier struct {
	logger *slog.Logger
}

func (q httpVersionQuerier) Query(adapter link.Adapter, currentVersion [flashmap.VersionLen]byte) ([]byte, error) {
	addr, err := config.VersionServerAddr()
	if err != nil {
		return nil, err
	}

	sock, err := adapter.OpenTCP(addr.Addr().String(), addr.Port())
	if err != nil {
		return nil, err
	}
	defer adapter.Close(sock)

	req := make([]byte, 0, 128)
	req = append(req, "GET /check?version="...)
	req = append(req, trimZero(currentVersion[:])...)
	req = append(req, " HTTP/1.1\r\nHost: "...)
	req = append(req, addr.Addr().String()...)
	req = append(req, "\r\nConnection: close\r\n\r\n"...)

	if err := adapter.Send(sock, req); err != nil {
		q.logger.Warn("version-query:send-failed", slog.String("err", err.Error()))
		return nil, err
	}

	if !adapter.WaitForToken(sock, []byte("\r\n\r\n"), versionQueryTimeout) {
		return nil, errVersionQueryTimeout
	}
	// Give the body a short extra grace period to arrive behind the header.
	time.Sleep(200 * time.Millisecond)

	return adapter.ReceiveBufferSnapshot(sock), nil
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
