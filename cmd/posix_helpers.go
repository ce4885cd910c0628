package cmd

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// newToolCmd bundles the helpers which definition scripts call instead of the system's mv, rm and mkdir.
// The shell only expands globs itself on POSIX systems, Windows gets the expansion here.
func newToolCmd() *cobra.Command {
	toolCmd := &cobra.Command{
		Use:    "tool",
		Short:  "Cross-platform file helpers used by package definitions",
		Hidden: true,
	}

	toolCmd.AddCommand(newMvCmd(), newRmCmd(), newMkdirCmd())
	return toolCmd
}

func expandArgs(args []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	items := make([]string, 0, len(args))
	for _, arg := range args {
		matches, err := doublestar.FilepathGlob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", arg)
		}

		if len(matches) == 0 && !allowEmpty {
			return nil, eris.Errorf("pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}

	return items, nil
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <source>... <dest>",
		Short: "Cross-platform implementation of the POSIX mv command",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := filepath.Clean(args[len(args)-1])
			destParent := filepath.Dir(dest)
			info, err := os.Stat(destParent)
			if err != nil {
				return eris.Wrapf(err, "could not find destination directory %s", destParent)
			}

			if !info.IsDir() {
				return eris.Errorf("%s is not a directory", destParent)
			}

			destIsDir := false
			info, err = os.Stat(dest)
			if err == nil {
				destIsDir = info.IsDir()
			} else if !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "failed to retrieve info about destination %s", dest)
			}

			items, err := expandArgs(args[:len(args)-1], false)
			if err != nil {
				return err
			}

			if len(items) > 1 && !destIsDir {
				return eris.Errorf("can't move multiple items to %s because it is not a directory", dest)
			}

			for _, item := range items {
				itemDest := dest
				if destIsDir {
					itemDest = filepath.Join(dest, filepath.Base(item))
				}

				err = os.Rename(item, itemDest)
				if err != nil {
					return eris.Wrapf(err, "failed to move %s to %s", item, itemDest)
				}
			}

			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	var recursive, force bool

	rmCmd := &cobra.Command{
		Use:   "rm <path>...",
		Short: "Cross-platform implementation of the POSIX rm command",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := expandArgs(args, force)
			if err != nil {
				return err
			}

			for _, item := range items {
				info, err := os.Lstat(item)
				if err != nil {
					if force && eris.Is(err, os.ErrNotExist) {
						continue
					}
					return eris.Wrapf(err, "could not stat %s", item)
				}

				if info.IsDir() && !recursive {
					return eris.Errorf("%s is a directory but -r wasn't passed", item)
				}
			}

			for _, item := range items {
				err := os.RemoveAll(item)
				if err != nil {
					return eris.Wrapf(err, "could not delete %s", item)
				}
			}

			return nil
		},
	}

	rmCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolVarP(&force, "force", "f", false, "suppresses errors caused by missing files/folders")
	return rmCmd
}

func newMkdirCmd() *cobra.Command {
	var parents bool

	mkdirCmd := &cobra.Command{
		Use:   "mkdir <path>...",
		Short: "Cross-platform implementation of the POSIX mkdir command",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, item := range args {
				var err error
				if parents {
					err = os.MkdirAll(item, 0770)
				} else {
					err = os.Mkdir(item, 0770)
				}

				if err != nil {
					return eris.Wrapf(err, "failed to create %s", item)
				}
			}

			return nil
		},
	}

	mkdirCmd.Flags().BoolVarP(&parents, "parents", "p", false, "create parent directories as needed")
	return mkdirCmd
}
