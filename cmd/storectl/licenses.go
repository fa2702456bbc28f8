package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func licensesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "licenses",
		Short: "Manage the license key pool",
	}
	cmd.AddCommand(licensesImportCmd())
	return cmd
}

func licensesImportCmd() *cobra.Command {
	var productID, file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import license keys for a product, one per line",
		Long: `Import license keys from a file (or stdin with --file -).
Blank lines and lines starting with # are ignored. Keys already present
for the product are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			keys, err := readKeys(r)
			if err != nil {
				return fmt.Errorf("read keys: %w", err)
			}
			if len(keys) == 0 {
				return fmt.Errorf("no keys found in %s", file)
			}

			st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			res, err := st.ImportLicenses(cmd.Context(), productID, keys)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "product %s: %d imported, %d already present\n",
				productID, res.Inserted, res.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVarP(&productID, "product", "p", "", "Product id the keys belong to")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Key file, or - for stdin")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

// readKeys returns the distinct keys in r, in first-seen order.
func readKeys(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		keys = append(keys, line)
	}
	return keys, sc.Err()
}
