/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package xshm is the client side of the X shared memory extension: it
// creates segments, attaches them to the server, runs image transfers
// through them and tracks the asynchronous completions.
//
// A typical session:
//
//	caps, _ := xshm.Negotiate(ctx, conn)
//	d, _ := xshm.NewDisplay(conn, caps, xshm.DefaultConfig())
//	defer d.Close()
//	seg, _ := d.AttachSegment(ctx, 4096)
//	defer seg.Close(ctx)
//	op, _ := seg.PutImage(ctx, 0, 4096, img, pixels)
//	err := op.Wait(ctx)
//
// A segment must not be detached while a transfer on it is pending, and the
// bytes of a transfer's range belong to the server until it completed. Both
// rules are enforced: Detach returns ErrOperationsPending and local access
// to a busy range returns ErrRangeInFlight.
package xshm
