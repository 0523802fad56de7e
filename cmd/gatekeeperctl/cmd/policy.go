package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gatekeeper/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	pol := &cobra.Command{
		Use:   "policy",
		Short: "Inspect route policy files",
	}

	var (
		adminMFA bool
		method   string
		path     string
	)
	check := &cobra.Command{
		Use:   "check <policies.yaml>",
		Short: "Validate a policy file and print the effective policies",
		Long: `Build the policy file exactly as the server would at boot. A file
that would fail to load exits non-zero with the reason.

With --path, print the policy that request would resolve to instead.

Examples:
  gatekeeperctl policy check config/policies.yaml
  gatekeeperctl policy check config/policies.yaml --method DELETE --path /v1/admin/orgs/42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := policy.LoadFile(args[0], policy.BuildOptions{AdminMFARequired: adminMFA})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "METHOD\tPATTERN\tMIN ROLE\tPERMISSIONS\tMFA\tDESTRUCTIVE\tCLASS")

			policies := snap.Policies()
			if path != "" {
				policies = []policy.RoutePolicy{snap.Lookup(strings.ToUpper(method), path)}
			}
			for _, p := range policies {
				pattern := p.Pattern
				if p.Implicit {
					pattern = "(deny-all)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\t%s\n",
					p.Method, pattern, p.MinRole, joinPermissions(p.RequiredPermissions),
					p.MFARequired, p.Destructive, p.RateLimitClass)
			}
			return w.Flush()
		},
	}
	check.Flags().BoolVar(&adminMFA, "admin-mfa", true, "force MFA on org_admin and above, as ADMIN_MFA_REQUIRED does")
	check.Flags().StringVar(&method, "method", "GET", "request method used with --path")
	check.Flags().StringVar(&path, "path", "", "resolve a single request path")

	pol.AddCommand(check)
	return pol
}

func joinPermissions(set policy.PermissionSet) string {
	perms := set.Permissions()
	if len(perms) == 0 {
		return "-"
	}
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return strings.Join(out, ",")
}
