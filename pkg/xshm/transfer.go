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

package xshm

import (
	"context"
	"fmt"

	"github.com/srediag/xshm/api"
)

// PutImage asks the server to draw the image stored at [offset,
// offset+length) of the segment into img.Drawable. When pixels is not nil
// it is copied into the range first; otherwise the caller filled the range
// beforehand with WriteAt or Update.
//
// The range must stay untouched until the returned operation resolved; local
// writes to it fail with ErrRangeInFlight meanwhile.
func (s *Segment) PutImage(ctx context.Context, offset, length uint32, img api.Image, pixels []byte) (*Operation, error) {
	if err := s.checkTransfer(offset, length, img); err != nil {
		return nil, err
	}
	if uint64(len(pixels)) > uint64(length) {
		return nil, fmt.Errorf("%w: %d pixel bytes for a %d byte range", ErrOutOfBounds, len(pixels), length)
	}

	var prepare func() error
	if pixels != nil {
		prepare = func() error {
			_, err := s.buf.WriteAt(pixels, int64(offset))
			return err
		}
	}
	op := newOperation(KindPutImage, s, offset, length, img)
	req := api.PutImageRequest{
		Seg:       s.id,
		Offset:    offset,
		Length:    length,
		Image:     img,
		SendEvent: true,
	}
	if err := s.display.tracker.begin(ctx, op, pixels != nil, prepare, req); err != nil {
		s.display.noteError(err)
		return nil, err
	}
	protocolLogger.debugf("put_image seq=%d seg=%#x [%d, %d)", op.seq, uint32(s.id), offset, uint64(offset)+uint64(length))
	return op, nil
}

// GetImage asks the server to write the contents of img.Drawable into
// [offset, offset+length) of the segment. The bytes are undefined until the
// operation completed; Snapshot copies them out afterwards.
func (s *Segment) GetImage(ctx context.Context, offset, length uint32, img api.Image) (*Operation, error) {
	if s.readOnly {
		return nil, ErrReadOnlySegment
	}
	if err := s.checkTransfer(offset, length, img); err != nil {
		return nil, err
	}

	op := newOperation(KindGetImage, s, offset, length, img)
	req := api.GetImageRequest{
		Seg:    s.id,
		Offset: offset,
		Length: length,
		Image:  img,
	}
	if err := s.display.tracker.begin(ctx, op, true, nil, req); err != nil {
		s.display.noteError(err)
		return nil, err
	}
	protocolLogger.debugf("get_image seq=%d seg=%#x [%d, %d)", op.seq, uint32(s.id), offset, uint64(offset)+uint64(length))
	return op, nil
}

// checkTransfer validates the parts of a transfer that do not depend on the
// segment state.
func (s *Segment) checkTransfer(offset, length uint32, img api.Image) error {
	if end := uint64(offset) + uint64(length); end > s.size {
		return fmt.Errorf("%w: [%d, %d) in a %d byte segment", ErrOutOfBounds, offset, end, s.size)
	}
	if need := img.ByteLength(); need > uint64(length) {
		return fmt.Errorf("%w: %dx%d image needs %d bytes, range has %d", ErrOutOfBounds, img.Width, img.Height, need, length)
	}
	return nil
}
