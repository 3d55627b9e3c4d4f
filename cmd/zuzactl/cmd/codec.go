package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/extract"
	"zuzalu/api/internal/markdown"
)

func newEncodeCmd() *cobra.Command {
	var image bool
	cmd := &cobra.Command{
		Use:   "encode [file]",
		Short: "Encode a slate tree or image block as a stored value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			var encoded string
			if image {
				var block blocks.ImageBlock
				if err := json.Unmarshal(data, &block); err != nil {
					return fmt.Errorf("parse image block: %w", err)
				}
				encoded, err = blocks.EncodeImage(block)
			} else {
				var nodes []blocks.Node
				if err := json.Unmarshal(data, &nodes); err != nil {
					return fmt.Errorf("parse slate tree: %w", err)
				}
				encoded, err = blocks.EncodeSlate(nodes)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
	cmd.Flags().BoolVar(&image, "image", false, "input is an image block")
	return cmd
}

func newDecodeCmd() *cobra.Command {
	var ptype string
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a stored value and print it as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readTrimmed(cmd, args)
			if err != nil {
				return err
			}
			kind := blocks.PropertyType(ptype)
			if !kind.Valid() {
				return fmt.Errorf("unknown property type %q", ptype)
			}
			decoded := blocks.NewDecoder(nil).DecodeString("value", kind, value)
			if decoded.Value == nil {
				return fmt.Errorf("value does not decode as %s", ptype)
			}
			return printJSON(cmd, decoded)
		},
	}
	cmd.Flags().StringVar(&ptype, "type", string(blocks.PropertySlate), "property type of the value")
	return cmd
}

func newMarkdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "markdown [file]",
		Short: "Render a JSON list of stored content items as markdown",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			var items []blocks.Content
			if err := json.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("parse content items: %w", err)
			}
			decoder := blocks.NewDecoder(nil)
			block := &extract.ReadableBlock{Content: make([]blocks.Decoded, 0, len(items))}
			for _, item := range items {
				block.Content = append(block.Content, decoder.Decode(item))
			}
			result := markdown.BeamToMarkdown([]*extract.ReadableBlock{block})
			out := cmd.OutOrStdout()
			if result.Title != "" {
				fmt.Fprintf(out, "# %s\n\n", result.Title)
			}
			fmt.Fprint(out, result.Body)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
