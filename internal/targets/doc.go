/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package targets defines debug targets and the launchers that produce them.

A Target is one debuggable unit (a Node process, a browser page, a worker). It exposes
its capabilities explicitly (CanAttach, CanStop, ...) and a parent link that forms
the target tree. A Launcher inspects a launch configuration, decides whether it handles
it, and then reports the targets it discovers through a change notification. Launchers
never attach to targets themselves; that is the job of the binder.
*/
package targets
