/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func fastBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(5*time.Millisecond),
		backoff.WithMaxElapsedTime(0),
	)
}

func TestRetryGetEventuallySucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0
	val, err := RetryGet(context.Background(), fastBackoff(), func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, val)
	require.Equal(t, 3, attempts)
}

func TestRetryGetStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	attempts := 0
	_, err := RetryGet(context.Background(), fastBackoff(), func() (string, error) {
		attempts++
		return "", Permanent(boom)
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}

func TestRetryGetReportsLastAttemptOnTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attemptErr := errors.New("endpoint not ready")
	err := Retry(ctx, fastBackoff(), func() error { return attemptErr })

	require.ErrorIs(t, err, attemptErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMakePanicErrorFromRetry(t *testing.T) {
	t.Parallel()

	require.NoError(t, MakePanicError(nil, logr.Discard()))

	err := MakePanicError("kaboom", logr.Discard())
	require.ErrorContains(t, err, "kaboom")
	var permanent *backoff.PermanentError
	require.ErrorAs(t, err, &permanent)
}
