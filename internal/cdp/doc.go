/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package cdp implements the client side of the Chrome DevTools protocol (CDP) that
// JavaScript runtimes expose for debugging: JSON commands with numeric ids, their
// results, and unsolicited events, exchanged over a websocket.
package cdp
