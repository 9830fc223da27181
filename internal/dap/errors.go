/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/go-logr/logr"
)

var (
	// ErrConnectionClosed is returned when attempting to use a closed connection.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrUnhandledRequest is reported to the client when a request has no handler and the connection is sealed.
	ErrUnhandledRequest = errors.New("unrecognized request")

	// ErrRequestFailed is returned by SendRequest when the client answers with an unsuccessful response.
	ErrRequestFailed = errors.New("request failed")

	// ErrResponseDeferred is returned by a request handler to indicate that it did not answer the request
	// itself, but arranged for it to be answered later (typically by re-delivering it with Connection.Defer).
	ErrResponseDeferred = errors.New("response deferred")
)

// IsConnectionError returns true if the error indicates the connection is gone.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is returned.
// Otherwise, the original error is returned unchanged.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		log.V(1).Info("Filtering redundant context error", "error", err)
		return nil
	}

	return err
}
