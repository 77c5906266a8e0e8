package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skshohagmiah/doip/pkg/client"
	"github.com/skshohagmiah/doip/pkg/protocol"
)

func helloCmd(g *globalFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "hello",
		Short: "Ask the service to describe itself",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			info, err := s.client.Hello(s.ctx, s.svc)
			if err != nil {
				return err
			}
			return printJSON(out, info)
		},
	}
}

func listOperationsCmd(g *globalFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "list-operations [target]",
		Short: "List the operations the service or an object supports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			ops, err := s.client.ListOperations(s.ctx, s.svc, target)
			if err != nil {
				return err
			}
			for _, op := range ops {
				fmt.Fprintln(out, op)
			}
			return nil
		},
	}
}

func retrieveCmd(g *globalFlags, out io.Writer) *cobra.Command {
	var element, outPath string
	cmd := &cobra.Command{
		Use:   "retrieve <id>",
		Short: "Retrieve an object or one of its elements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()

			if element == "" {
				obj, err := s.client.Retrieve(s.ctx, s.svc, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, obj)
			}

			w := out
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := s.client.RetrieveElement(s.ctx, s.svc, args[0], element, w)
			if err != nil {
				return err
			}
			if outPath != "" {
				fmt.Fprintf(out, "wrote %d bytes to %s\n", n, outPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&element, "element", "e", "", "retrieve the bytes of this element")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write element bytes to a file")
	return cmd
}

func createCmd(g *globalFlags, out io.Writer) *cobra.Command {
	var id, typ, attrs string
	var elements []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an object",
		Long: `Create an object. Elements are given as id=path and uploaded as
bytes segments after the object.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			obj := &client.DigitalObject{ID: id, Type: typ}
			if attrs != "" {
				if !json.Valid([]byte(attrs)) {
					return errors.New("--attributes must be valid JSON")
				}
				obj.Attributes = json.RawMessage(attrs)
			}

			data := make(map[string]io.Reader, len(elements))
			for _, e := range elements {
				eid, path, ok := strings.Cut(e, "=")
				if !ok || eid == "" || path == "" {
					return fmt.Errorf("invalid element %q, want id=path", e)
				}
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				data[eid] = f
			}

			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			created, err := s.client.Create(s.ctx, s.svc, obj, data)
			if err != nil {
				return err
			}
			return printJSON(out, created)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "object id (generated by the service when empty)")
	cmd.Flags().StringVar(&typ, "type", "Document", "object type")
	cmd.Flags().StringVar(&attrs, "attributes", "", "object attributes as JSON")
	cmd.Flags().StringArrayVar(&elements, "element", nil, "element as id=path (repeatable)")
	return cmd
}

func deleteCmd(g *globalFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.client.Delete(s.ctx, s.svc, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "deleted %s\n", args[0])
			return nil
		},
	}
}

func searchCmd(g *globalFlags, out io.Writer) *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search objects by id, type or attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			results, err := s.client.Search(s.ctx, s.svc, args[0], page, pageSize)
			if err != nil {
				return err
			}
			return printJSON(out, results)
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "results per page (0 for all)")
	return cmd
}

// opCmd sends an arbitrary operation and prints the response header and
// each output segment.
func opCmd(g *globalFlags, out io.Writer) *cobra.Command {
	var attrs, input string
	cmd := &cobra.Command{
		Use:   "op <operationId> [target]",
		Short: "Send a raw operation",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			header := &protocol.RequestHeader{OperationID: args[0], TargetID: g.serviceID}
			if len(args) == 2 {
				header.TargetID = args[1]
			}
			if attrs != "" {
				if err := json.Unmarshal([]byte(attrs), &header.Attributes); err != nil {
					return fmt.Errorf("--attributes: %w", err)
				}
			}
			if input != "" {
				if !json.Valid([]byte(input)) {
					return errors.New("--input must be valid JSON")
				}
				header.Input = json.RawMessage(input)
			}

			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			resp, err := s.client.PerformOperation(s.ctx, s.svc, header, nil)
			if err != nil {
				return err
			}
			defer resp.Close()
			return printResponse(out, resp)
		},
	}
	cmd.Flags().StringVar(&attrs, "attributes", "", "request attributes as a JSON object")
	cmd.Flags().StringVar(&input, "input", "", "compact input as JSON")
	return cmd
}

func printResponse(out io.Writer, resp *client.Response) error {
	header := resp.Header
	header.Output = nil
	if err := printJSON(out, header); err != nil {
		return err
	}
	msg := resp.Output()
	for i := 0; ; i++ {
		seg, err := msg.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if seg.IsJSON() {
			raw, err := seg.ReadJSON()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "segment %d (json):\n", i)
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if err := printJSON(out, v); err != nil {
				return err
			}
			continue
		}
		n, err := io.Copy(io.Discard, seg.Reader())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "segment %d (bytes): %d bytes\n", i, n)
	}
}
