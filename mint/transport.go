// Copyright 2025 The nutgate Authors
// This file is part of the nutgate library.
//
// The nutgate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nutgate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nutgate library. If not, see <http://www.gnu.org/licenses/>.

package mint

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/nutgate/nutgate/params"
)

// newTransport assembles the HTTP transport used for all mint traffic.
// Connections are pinned to IPv4 and kept alive between requests. Some
// mint deployments publish AAAA records that route nowhere; resolving
// over tcp4 sidesteps them entirely.
func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   params.MintSocketTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp4", addr)
		},
		MaxConnsPerHost:       params.MintMaxSockets,
		MaxIdleConnsPerHost:   params.MintMaxSockets,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: params.MintSocketTimeout,
	}
}

// newHTTPClient wraps the transport in a client with the socket timeout
// applied end to end. Every Dial call builds its own client so that no
// state bleeds between coordinator operations.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: newTransport(),
		Timeout:   params.MintSocketTimeout,
	}
}
