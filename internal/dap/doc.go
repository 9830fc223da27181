/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap provides the Debug Adapter Protocol (DAP) connection used by every
session the adapter hosts, the root session as well as child sessions created for
individual debug targets.

# Key Components

  - Transport: DAP message I/O over TCP, stdio, or an in-memory pipe
  - Connection: request routing, responses, events, and reverse requests for one DAP peer
  - TestClient: a minimal DAP client used by tests of the packages built on top of Connection

# Request routing

Handlers are registered per command with Connection.Handle, which returns a function
that removes exactly that registration. A connection starts out "unsealed": requests
for which no handler is registered are held back and delivered as soon as a matching
handler is registered. This gives the owner of the connection time to wire its handlers
after the client has already started sending requests. Once Seal is called, unhandled
requests go to the default handler, or are answered with an error if there is none.

Handlers run on their own goroutine, so a handler may block (for example until the
client finishes configuration) without stalling the connection.

# Reverse requests

SendRequest sends a request to the client and waits for its response. It is used for
the startDebugging request that asks the client to open a child session.
*/
package dap
