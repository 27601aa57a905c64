package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/blockdevice"
	"github.com/dargueta/inodefs/config"
	"github.com/dargueta/inodefs/filesystem"
	"github.com/dargueta/inodefs/presets"
	"github.com/dargueta/inodefs/snapshot"
	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
)

// runner holds the settings shared by every command.
type runner struct {
	config *config.Config
	logger *log.Logger
}

// load reads the config file and environment, then applies global flags on top.
func (r *runner) load(ctx *cli.Context) error {
	c, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}

	if ctx.IsSet("image") {
		c.Image = ctx.String("image")
	}
	if ctx.IsSet("verbose") {
		c.Verbose = ctx.Bool("verbose")
	}
	if ctx.IsSet("no-cache") {
		c.NoCache = ctx.Bool("no-cache")
	}

	r.config = c
	r.logger = c.Logger(ctx.App.ErrWriter)
	return nil
}

func (r *runner) mountOptions() []filesystem.Option {
	opts := []filesystem.Option{filesystem.WithLogger(r.logger)}
	if r.config.NoCache {
		opts = append(opts, filesystem.WithoutCache())
	}
	return opts
}

func requireArgs(ctx *cli.Context, minimum, maximum int) error {
	if ctx.NArg() < minimum || (maximum >= 0 && ctx.NArg() > maximum) {
		return fmt.Errorf("wrong number of arguments, usage: %s %s",
			ctx.Command.Name, ctx.Command.ArgsUsage)
	}
	return nil
}

// withVolume mounts the image, runs `action`, then unmounts it.
func (r *runner) withVolume(action func(fs *filesystem.FileSystem) error) (err error) {
	if err = r.config.Validate(); err != nil {
		return err
	}

	device, err := blockdevice.OpenImage(r.config.Image, 0)
	if err != nil {
		return err
	}

	fs, err := filesystem.Mount(device, r.mountOptions()...)
	if err != nil {
		device.Close()
		return err
	}

	defer func() {
		var result *multierror.Error
		if unmountErr := fs.Unmount(); unmountErr != nil {
			result = multierror.Append(result, unmountErr)
		}
		if closeErr := device.Close(); closeErr != nil {
			result = multierror.Append(result, closeErr)
		}
		if result.ErrorOrNil() != nil {
			err = multierror.Append(err, result.Errors...)
		}
	}()
	return action(fs)
}

func (r *runner) format(ctx *cli.Context) error {
	if ctx.Bool("list-presets") {
		writer := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "SLUG\tBLOCKS\tFILES\tNAME")
		for _, preset := range presets.All() {
			fmt.Fprintf(writer, "%s\t%d\t%d\t%s\n",
				preset.Slug, preset.TotalBlocks, preset.FileCount, preset.Name)
		}
		return writer.Flush()
	}

	if ctx.IsSet("preset") {
		r.config.Preset = ctx.String("preset")
	}
	if ctx.IsSet("blocks") {
		r.config.TotalBlocks = ctx.Uint("blocks")
	}
	if ctx.IsSet("files") {
		r.config.FileCount = ctx.Int("files")
	}
	if err := r.config.Validate(); err != nil {
		return err
	}

	totalBlocks, fileCount, err := r.config.Geometry()
	if err != nil {
		return err
	}

	device, err := blockdevice.OpenImage(r.config.Image, totalBlocks)
	if err != nil {
		return err
	}
	defer device.Close()

	fs, err := filesystem.Mount(device, r.mountOptions()...)
	if err != nil {
		return err
	}
	if err = fs.Format(fileCount); err != nil {
		return err
	}
	if err = fs.Unmount(); err != nil {
		return err
	}

	fmt.Fprintf(ctx.App.Writer, "formatted %s: %d blocks, %d files\n",
		r.config.Image, device.TotalBlocks(), fileCount)
	return nil
}

func (r *runner) put(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, 2); err != nil {
		return err
	}
	hostPath := ctx.Args().Get(0)
	name := ctx.Args().Get(1)
	if name == "" {
		name = filepath.Base(hostPath)
	}

	source, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer source.Close()

	return r.withVolume(func(fs *filesystem.FileSystem) error {
		handle, err := fs.Open(name, "w")
		if err != nil {
			return err
		}

		_, copyErr := io.Copy(handle, source)
		closeErr := handle.Close()
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	})
}

func (r *runner) get(ctx *cli.Context) error {
	if err := requireArgs(ctx, 2, 2); err != nil {
		return err
	}

	return r.withVolume(func(fs *filesystem.FileSystem) error {
		handle, err := fs.Open(ctx.Args().Get(0), "r")
		if err != nil {
			return err
		}
		defer handle.Close()

		output, err := os.Create(ctx.Args().Get(1))
		if err != nil {
			return err
		}

		_, copyErr := io.Copy(output, handle)
		closeErr := output.Close()
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	})
}

func (r *runner) cat(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, -1); err != nil {
		return err
	}

	return r.withVolume(func(fs *filesystem.FileSystem) error {
		for _, name := range ctx.Args().Slice() {
			handle, err := fs.Open(name, "r")
			if err != nil {
				return err
			}
			_, err = io.Copy(ctx.App.Writer, handle)
			handle.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *runner) list(ctx *cli.Context) error {
	return r.withVolume(func(fs *filesystem.FileSystem) error {
		infos, err := fs.List()
		if err != nil {
			return err
		}

		if ctx.Bool("csv") {
			output, err := gocsv.MarshalBytes(&infos)
			if err != nil {
				return err
			}
			_, err = ctx.App.Writer.Write(output)
			return err
		}

		writer := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(writer, "INODE\tSIZE\tBLOCKS\tREFS\tSTATE\tNAME\t")
		for _, info := range infos {
			fmt.Fprintf(writer, "%d\t%d\t%d\t%d\t%s\t%s\t\n",
				info.Inumber, info.Size, info.Blocks, info.RefCount, info.State, info.Name)
		}
		return writer.Flush()
	})
}

func (r *runner) remove(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, -1); err != nil {
		return err
	}

	return r.withVolume(func(fs *filesystem.FileSystem) error {
		var result *multierror.Error
		for _, name := range ctx.Args().Slice() {
			if err := fs.Delete(name); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			}
		}
		return result.ErrorOrNil()
	})
}

func (r *runner) stat(ctx *cli.Context) error {
	if err := requireArgs(ctx, 0, 1); err != nil {
		return err
	}

	return r.withVolume(func(fs *filesystem.FileSystem) error {
		writer := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 1, ' ', 0)

		if ctx.NArg() == 1 {
			info, err := fs.Stat(ctx.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintf(writer, "name:\t%s\n", info.Name)
			fmt.Fprintf(writer, "inode:\t%d\n", info.Inumber)
			fmt.Fprintf(writer, "size:\t%d\n", info.Size)
			fmt.Fprintf(writer, "blocks:\t%d\n", info.Blocks)
			fmt.Fprintf(writer, "state:\t%s\n", info.State)
			return writer.Flush()
		}

		stat, err := fs.StatVolume()
		if err != nil {
			return err
		}
		fmt.Fprintf(writer, "block size:\t%d\n", stat.BlockSize)
		fmt.Fprintf(writer, "blocks:\t%d (%d free)\n", stat.TotalBlocks, stat.BlocksFree)
		fmt.Fprintf(writer, "first data block:\t%d\n", stat.FirstDataBlock)
		fmt.Fprintf(writer, "files:\t%d (%d free)\n", stat.TotalInodes, stat.InodesFree)
		fmt.Fprintf(writer, "max file size:\t%d\n", stat.MaxFileSize)
		fmt.Fprintf(writer, "max name length:\t%d\n", stat.MaxNameLength)
		return writer.Flush()
	})
}

func (r *runner) check(ctx *cli.Context) error {
	return r.withVolume(func(fs *filesystem.FileSystem) error {
		err := fs.Check()

		var problems *multierror.Error
		if errors.As(err, &problems) {
			for _, problem := range problems.Errors {
				fmt.Fprintln(ctx.App.Writer, problem)
			}
			return fmt.Errorf("found %d problems", len(problems.Errors))
		} else if err != nil {
			return err
		}

		fmt.Fprintln(ctx.App.Writer, "no problems found")
		return nil
	})
}

func (r *runner) export(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, 1); err != nil {
		return err
	}
	if err := r.config.Validate(); err != nil {
		return err
	}

	device, err := blockdevice.OpenImage(r.config.Image, 0)
	if err != nil {
		return err
	}
	defer device.Close()

	output, err := os.Create(ctx.Args().First())
	if err != nil {
		return err
	}

	header, written, err := snapshot.Export(device, output)
	closeErr := output.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	fmt.Fprintf(ctx.App.Writer, "exported snapshot %s: %d blocks in %d bytes\n",
		header.ID, header.TotalBlocks, written)
	return nil
}

func (r *runner) restore(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, 1); err != nil {
		return err
	}
	if err := r.config.Validate(); err != nil {
		return err
	}

	input, err := os.Open(ctx.Args().First())
	if err != nil {
		return err
	}
	defer input.Close()

	header, err := snapshot.ReadHeader(input)
	if err != nil {
		return err
	}
	if header.BytesPerBlock != inodefs.DefaultBlockSize {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("snapshot has %d-byte blocks", header.BytesPerBlock))
	}
	if _, err = input.Seek(0, io.SeekStart); err != nil {
		return err
	}

	device, err := blockdevice.OpenImage(r.config.Image, uint(header.TotalBlocks))
	if err != nil {
		return err
	}
	defer device.Close()

	if err = snapshot.Restore(input, device); err != nil {
		return err
	}

	fmt.Fprintf(ctx.App.Writer, "restored snapshot %s to %s\n", header.ID, r.config.Image)
	return nil
}
