package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"rekkord/keyring"
	"rekkord/rekkorderr"
	"rekkord/repository"
	"rekkord/restoreengine"
	"rekkord/saveengine"
)

var repo *repository.Repository

func openRepo(c *cli.Context) error {
	if repo != nil {
		return nil
	}
	url := c.String("repo")
	if url == "" {
		return cli.Exit("no repository: pass --repo or set REKKORD_REPOSITORY", 2)
	}

	var err error
	if keyPath := c.String("key-file"); keyPath != "" {
		repo, err = repository.OpenWithKeyFile(c.Context, url, keyPath, c.String("passphrase"))
	} else {
		role, rerr := keyring.ParseRole(c.String("role"))
		if rerr != nil {
			return cli.Exit(rerr.Error(), 2)
		}
		repo, err = repository.OpenWithStoredRole(c.Context, url, role, c.String("passphrase"))
	}
	return err
}

func closeRepo(c *cli.Context) error {
	if repo != nil {
		return repo.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "rekkord",
		Usage: "deduplicating encrypted backup engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				Aliases: []string{"r"},
				Usage:   "repository URL (file:///path, badger:///path, or a bare path)",
				EnvVars: []string{"REKKORD_REPOSITORY"},
			},
			&cli.StringFlag{
				Name:    "key-file",
				Aliases: []string{"k"},
				Usage:   "open with a portable key file instead of a stored role copy",
				EnvVars: []string{"REKKORD_KEY_FILE"},
			},
			&cli.StringFlag{
				Name:    "role",
				Value:   "full",
				Usage:   "stored role copy to unseal (full, write, log, config)",
			},
			&cli.StringFlag{
				Name:    "passphrase",
				Usage:   "passphrase for the key file or stored role copy",
				EnvVars: []string{"REKKORD_PASSPHRASE"},
			},
		},
		After: closeRepo,
		Commands: []*cli.Command{
			initCommand(),
			saveCommand(),
			restoreCommand(),
			channelsCommand(),
			snapshotsCommand(),
			browseCommand(),
			scanCommand(),
			keyExportCommand(),
			rotateCIDCommand(),
			resetCacheCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rekkord: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if ec, ok := err.(cli.ExitCoder); ok {
		return ec.ExitCode()
	}
	if rekkorderr.KindOf(err) == rekkorderr.Config {
		return 2
	}
	return 1
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "create a new repository and write its master key file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "master-key", Value: "master.key", Usage: "where to write the master key file"},
		},
		Action: func(c *cli.Context) error {
			url := c.String("repo")
			if url == "" {
				return cli.Exit("no repository: pass --repo or set REKKORD_REPOSITORY", 2)
			}
			result, err := repository.Init(c.Context, url, c.String("passphrase"))
			if err != nil {
				return err
			}
			repo = result.Repo
			keyPath := c.String("master-key")
			if err := os.WriteFile(keyPath, result.MasterKeyFile, 0o600); err != nil {
				return err
			}
			fmt.Printf("initialized %s\n", url)
			fmt.Printf("master key written to %s — keep it safe, it cannot be recovered\n", keyPath)
			return nil
		},
	}
}

func saveCommand() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "snapshot one or more paths into a channel",
		ArgsUsage: "<channel> <path>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "skip-unchanged", Value: true, Usage: "reuse file OIDs when size and mtime match the previous snapshot"},
			&cli.BoolFlag{Name: "rehash", Usage: "re-read every file even when unchanged"},
			&cli.BoolFlag{Name: "follow-symlinks"},
			&cli.BoolFlag{Name: "atime", Usage: "record access times"},
			&cli.BoolFlag{Name: "xattrs", Usage: "record extended attributes"},
			&cli.BoolFlag{Name: "no-snapshot", Usage: "upload data and print the root OID without recording a channel entry"},
		},
		Before: openRepo,
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return cli.Exit("usage: rekkord save <channel> <path>...", 2)
			}
			settings := saveengine.Settings{
				SkipUnchanged:  c.Bool("skip-unchanged"),
				Rehash:         c.Bool("rehash"),
				FollowSymlinks: c.Bool("follow-symlinks"),
				Atime:          c.Bool("atime"),
				XAttrs:         c.Bool("xattrs"),
				NoSnapshot:     c.Bool("no-snapshot"),
			}
			result, err := repo.Save(c.Context, c.Args().First(), c.Args().Slice()[1:], settings)
			if err != nil {
				return err
			}
			for _, fe := range result.FileErrors {
				fmt.Fprintf(os.Stderr, "warning: %v\n", fe)
			}
			if settings.NoSnapshot {
				fmt.Printf("root %s\n", result.RootOID)
			} else {
				fmt.Printf("snapshot %s (%s)\n", result.Snapshot, time.UnixMilli(result.Timestamp).Format(time.RFC3339))
			}
			fmt.Printf("size %d, stored %d, added %d\n", result.SourceSize, result.StoredSize, result.AddedSize)
			if len(result.FileErrors) > 0 {
				return cli.Exit(fmt.Sprintf("%d files could not be read", len(result.FileErrors)), 1)
			}
			return nil
		},
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "materialize a snapshot, directory or file to disk",
		ArgsUsage: "<oid|channel>[:<path>] <dest>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "overwrite existing files"},
			&cli.BoolFlag{Name: "unlink-extras", Usage: "remove destination entries absent from the source tree"},
			&cli.BoolFlag{Name: "chown", Usage: "apply uid/gid (needs privilege)"},
			&cli.BoolFlag{Name: "xattrs", Usage: "apply extended attributes"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
			&cli.BoolFlag{Name: "dry-run", Aliases: []string{"n"}},
		},
		Before: openRepo,
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("usage: rekkord restore <identifier> <dest>", 2)
			}
			settings := restoreengine.Settings{
				Force:        c.Bool("force"),
				UnlinkExtras: c.Bool("unlink-extras"),
				Chown:        c.Bool("chown"),
				XAttrs:       c.Bool("xattrs"),
				Verbose:      c.Bool("verbose"),
				DryRun:       c.Bool("dry-run"),
			}
			result, err := repo.Restore(c.Context, c.Args().Get(0), c.Args().Get(1), settings)
			if err != nil {
				return err
			}
			for _, ee := range result.Errors {
				fmt.Fprintf(os.Stderr, "error: %v\n", ee)
			}
			fmt.Printf("restored %d files, %d dirs, %d links\n", result.FilesWritten, result.DirsWritten, result.LinksWritten)
			if result.Failed() {
				return cli.Exit(fmt.Sprintf("%d entries failed", len(result.Errors)), 1)
			}
			return nil
		},
	}
}

func channelsCommand() *cli.Command {
	return &cli.Command{
		Name:   "channels",
		Usage:  "list channels with their current snapshot",
		Before: openRepo,
		Action: func(c *cli.Context) error {
			infos, err := repo.View().ListChannels(c.Context)
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Printf("%-20s %3d snapshots  current %s  %s\n",
					info.Name, info.Snapshots, info.Current.OID.Short(),
					time.UnixMilli(info.Current.Timestamp).Format(time.RFC3339))
			}
			return nil
		},
	}
}

func snapshotsCommand() *cli.Command {
	return &cli.Command{
		Name:   "snapshots",
		Usage:  "list every snapshot in every channel",
		Before: openRepo,
		Action: func(c *cli.Context) error {
			infos, err := repo.View().ListSnapshots(c.Context)
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Printf("%-20s %s  %s  size %d added %d\n",
					info.Channel, time.UnixMilli(info.Timestamp).Format(time.RFC3339),
					info.OID.Short(), info.SourceSize, info.AddedSize)
			}
			return nil
		},
	}
}

func browseCommand() *cli.Command {
	return &cli.Command{
		Name:      "browse",
		Usage:     "list the tree under an identifier",
		ArgsUsage: "<oid|channel>[:<path>]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "depth", Value: -1, Usage: "maximum depth below the root (-1 for unlimited)"},
		},
		Before: openRepo,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: rekkord browse <identifier>", 2)
			}
			id, _, err := repo.View().Locate(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			objects, err := repo.View().ListChildren(c.Context, id, c.Int("depth"))
			if err != nil {
				return err
			}
			for _, obj := range objects {
				fmt.Printf("%-8s %s  %s\n", obj.Kind, obj.OID.Short(), obj.Path)
			}
			return nil
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:   "scan",
		Usage:  "verify every blob reachable from every channel's current snapshot",
		Before: openRepo,
		Action: func(c *cli.Context) error {
			result, err := repo.View().Scan(c.Context)
			if err != nil {
				return err
			}
			for _, se := range result.Errors {
				fmt.Fprintf(os.Stderr, "corrupt: %v\n", se)
			}
			fmt.Printf("scanned %d blobs across %d channels\n", result.BlobsScanned, result.Channels)
			if result.Failed() {
				return cli.Exit(fmt.Sprintf("%d errors", len(result.Errors)), 1)
			}
			return nil
		},
	}
}

func keyExportCommand() *cli.Command {
	return &cli.Command{
		Name:      "key-export",
		Usage:     "export a stored role key as a portable key file",
		ArgsUsage: "<full|write|log|config> <path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file-passphrase", Usage: "passphrase sealing the exported file (defaults to the repository passphrase)"},
		},
		Before: openRepo,
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("usage: rekkord key-export <role> <path>", 2)
			}
			role, err := keyring.ParseRole(c.Args().Get(0))
			if err != nil {
				return err
			}
			filePass := c.String("file-passphrase")
			if filePass == "" {
				filePass = c.String("passphrase")
			}
			if err := repo.ExportKey(c.Context, role, c.String("passphrase"), filePass, c.Args().Get(1)); err != nil {
				return err
			}
			fmt.Printf("%s key written to %s\n", role, c.Args().Get(1))
			return nil
		},
	}
}

func resetCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset-cache",
		Usage: "wipe the local known-OID cache",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "rebuild", Usage: "repopulate by enumerating the store"},
		},
		Before: openRepo,
		Action: func(c *cli.Context) error {
			if err := repo.ResetCache(c.Context, c.Bool("rebuild")); err != nil {
				return err
			}
			fmt.Println("cache reset")
			return nil
		},
	}
}

func rotateCIDCommand() *cli.Command {
	return &cli.Command{
		Name:   "rotate-cid",
		Usage:  "write a fresh Cache-ID, invalidating every local cache",
		Before: openRepo,
		Action: func(c *cli.Context) error {
			cid, err := repo.RotateCacheID(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("new cache id %s\n", cid)
			return nil
		},
	}
}
