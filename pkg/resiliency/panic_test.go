/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestMakePanicError(t *testing.T) {
	t.Parallel()

	require.NoError(t, MakePanicError(nil, logr.Discard()))

	err := MakePanicError("session table corrupted", logr.Discard())
	require.EqualError(t, err, "panic: session table corrupted")
	var permanent *backoff.PermanentError
	require.ErrorAs(t, err, &permanent)

	cause := errors.New("nil connection")
	err = MakePanicError(cause, logr.Discard())
	require.ErrorIs(t, err, cause)
}

func TestGoRecoversFromPanic(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	Go(logr.Discard(), "worker", func() {
		defer close(done)
		panic("boom")
	})
	<-done
}
