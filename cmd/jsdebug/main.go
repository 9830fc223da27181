/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cmdutil "github.com/microsoft/jsdebug/internal/commands"
	"github.com/microsoft/jsdebug/pkg/logger"
	"github.com/microsoft/jsdebug/pkg/resiliency"
)

const (
	errCommandError = 1
	errPanic        = 3
)

func main() {
	log := logger.New("jsdebug").WithName("jsdebug")
	defer func() {
		panicErr := resiliency.MakePanicError(recover(), log.Logger)
		if panicErr != nil {
			_, _ = os.Stderr.Write(cmdutil.WithNewline([]byte(panicErr.Error())))
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cmdutil.NewRootCommand(log).ExecuteContext(ctx)
	stop()
	if err != nil {
		cmdutil.ErrorExit(log, err, errCommandError)
	}
	log.Flush()
}
