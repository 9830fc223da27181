/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// MakePanicError converts a value returned by recover() into an error and logs it together with the stack.
// The error is permanent, so a retry loop that observes it gives up. A nil value yields nil.
func MakePanicError(recovered any, log logr.Logger) error {
	if recovered == nil {
		return nil
	}

	var err error
	if recoveredErr, isError := recovered.(error); isError {
		err = fmt.Errorf("panic: %w", recoveredErr)
	} else {
		err = fmt.Errorf("panic: %v", recovered)
	}

	var permanent *backoff.PermanentError
	if !errors.As(err, &permanent) {
		err = Permanent(err)
	}

	log.Error(err, "Recovered from panic", "Stack", string(debug.Stack()))
	return err
}

// Go runs fn on its own goroutine. A panic in fn is logged under the given name and does not take the process down.
func Go(log logr.Logger, name string, fn func()) {
	go func() {
		defer func() {
			_ = MakePanicError(recover(), log.WithValues("Goroutine", name))
		}()
		fn()
	}()
}
