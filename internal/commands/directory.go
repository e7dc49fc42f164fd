package commands

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/listing"
	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/serialstate"
)

const (
	listSkip = 0
	listTake = 9999
)

// GetDirectory lists one directory.
func (d *Dispatcher) GetDirectory(ctx context.Context, req GetDirectory) DirectoryResult {
	var out DirectoryResult
	out.Result = d.pipe.Run(ctx, req, pipeline.Wait, func(_ context.Context, link *serialstate.Context) error {
		l, warnings, err := d.listDirectory(d.codec(link), req.Storage, req.Path)
		if err != nil {
			return err
		}
		out.Listing = l
		for _, w := range warnings {
			out.Warnings = append(out.Warnings, w.Error())
		}
		return nil
	})
	return out
}

// GetDirectoryRecursive lists req.Path and every directory beneath it,
// breadth first, without releasing the link in between.
func (d *Dispatcher) GetDirectoryRecursive(ctx context.Context, req GetDirectoryRecursive) RecursiveResult {
	var out RecursiveResult
	out.Result = d.pipe.Run(ctx, req, pipeline.Wait, func(ctx context.Context, link *serialstate.Context) error {
		c := d.codec(link)
		queue := []string{req.Path}
		seen := map[string]bool{}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := queue[0]
			queue = queue[1:]
			if seen[p] {
				continue
			}
			seen[p] = true

			l, _, err := d.listDirectory(c, req.Storage, p)
			if err != nil {
				return fmt.Errorf("commands: list %s: %w", p, err)
			}
			out.Listings = append(out.Listings, l)
			for _, dir := range l.Directories {
				queue = append(queue, dir.Path)
			}
		}
		return nil
	})
	return out
}

func (d *Dispatcher) listDirectory(c *protocol.Codec, storage protocol.StorageType, path string) (*listing.DirectoryListing, []error, error) {
	if err := c.SendToken(protocol.TokenListDirectory); err != nil {
		return nil, nil, err
	}
	if err := c.ExpectAck(); err != nil {
		return nil, nil, err
	}
	if err := c.SendUint(uint32(storage.Selector()), 1); err != nil {
		return nil, nil, err
	}
	if err := c.SendUint(listSkip, 2); err != nil {
		return nil, nil, err
	}
	if err := c.SendUint(listTake, 2); err != nil {
		return nil, nil, err
	}
	if err := c.SendString(path); err != nil {
		return nil, nil, err
	}
	if err := c.ExpectAck(); err != nil {
		return nil, nil, err
	}

	raw, err := listing.Receive(c, listing.DefaultStartTimeout, d.opts.ListingTimeout)
	if err != nil {
		c.DrainString(100 * time.Millisecond)
		return nil, nil, err
	}
	l, warnings := listing.Parse(raw)
	l.Path = path
	for _, w := range warnings {
		d.log.Warn("skipped listing fragment", zap.String("path", path), zap.Error(w))
	}
	return l, warnings, nil
}
