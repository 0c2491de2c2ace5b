package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/raine/estate-client/internal/estate"
	"github.com/raine/estate-client/internal/keepalive"
	"github.com/raine/estate-client/internal/watcher"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

type runFunc func(ctx context.Context, args []string) error

// command registers its flags on fs and returns the function that runs it.
type command func(a *app, fs *flag.FlagSet) runFunc

var commands = map[string]command{
	"login":         loginCmd,
	"logout":        logoutCmd,
	"whoami":        whoamiCmd,
	"properties":    propertiesCmd,
	"property":      propertyCmd,
	"tickets":       ticketsCmd,
	"new-ticket":    newTicketCmd,
	"notifications": notificationsCmd,
	"keepalive":     keepaliveCmd,
}

func loginCmd(a *app, fs *flag.FlagSet) runFunc {
	email := fs.String("email", os.Getenv("ESTATE_EMAIL"), "account email")
	return func(ctx context.Context, _ []string) error {
		in := bufio.NewReader(os.Stdin)
		if *email == "" {
			fmt.Fprint(os.Stderr, "Email: ")
			line, err := in.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read email: %w", err)
			}
			*email = strings.TrimSpace(line)
		}

		password, err := readPassword(in)
		if err != nil {
			return err
		}

		if _, err := a.repo.Login(ctx, estate.Credentials{Email: *email, Password: password}); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Logged in as %s\n", *email)
		return nil
	}
}

// readPassword takes ESTATE_PASSWORD if set, otherwise prompts without echo
// on a terminal and reads a plain line from piped input.
func readPassword(in *bufio.Reader) (string, error) {
	if p := os.Getenv("ESTATE_PASSWORD"); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func logoutCmd(a *app, _ *flag.FlagSet) runFunc {
	return func(ctx context.Context, _ []string) error {
		if err := a.repo.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Logged out")
		return nil
	}
}

func whoamiCmd(a *app, _ *flag.FlagSet) runFunc {
	return func(ctx context.Context, _ []string) error {
		if err := requireLogin(a); err != nil {
			return err
		}
		u, err := a.repo.CurrentUser(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s <%s>\n", u.FullName(), u.Email)
		if u.Role != "" {
			fmt.Fprintf(a.out, "Role: %s\n", u.Role)
		}
		if exp, ok := a.client.Session().AccessTokenExpiry(); ok {
			fmt.Fprintf(a.out, "Access token expires: %s\n", exp.Local().Format("2006-01-02 15:04"))
		}
		return nil
	}
}

func propertiesCmd(a *app, fs *flag.FlagSet) runFunc {
	page := fs.Int("page", 1, "page number")
	return func(ctx context.Context, _ []string) error {
		if err := requireLogin(a); err != nil {
			return err
		}
		p, err := a.repo.ListProperties(ctx, *page)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tUNITS\tRENT")
		for _, pr := range p.Items {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s %s\n",
				pr.ID, pr.Name, pr.Address, pr.Units, estate.FormatCents(pr.MonthlyRentCents), pr.Currency)
		}
		tw.Flush()

		if p.HasNext {
			fmt.Fprintf(a.out, "\n%d properties in total, next page: -page %d\n", p.Count, max(*page, 1)+1)
		}
		return nil
	}
}

func propertyCmd(a *app, _ *flag.FlagSet) runFunc {
	return func(ctx context.Context, args []string) error {
		if err := requireLogin(a); err != nil {
			return err
		}
		if len(args) != 1 {
			return errors.New("usage: estatectl property <id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid property id %q", args[0])
		}

		p, err := a.repo.GetProperty(ctx, id)
		if err != nil {
			return err
		}
		occupied := "vacant"
		if p.Occupied {
			occupied = "occupied"
		}
		fmt.Fprintf(a.out, "%s (#%d)\n%s\nUnits: %d, %s\nRent: %s %s/month\n",
			p.Name, p.ID, p.Address, p.Units, occupied, estate.FormatCents(p.MonthlyRentCents), p.Currency)
		return nil
	}
}

func ticketsCmd(a *app, fs *flag.FlagSet) runFunc {
	property := fs.Int64("property", 0, "only tickets of this property")
	status := fs.String("status", "", "open, in_progress, resolved or closed")
	page := fs.Int("page", 1, "page number")
	return func(ctx context.Context, _ []string) error {
		if err := requireLogin(a); err != nil {
			return err
		}
		p, err := a.repo.ListTickets(ctx, estate.TicketFilter{PropertyID: *property, Status: *status, Page: *page})
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROPERTY\tSTATUS\tPRIORITY\tCREATED\tTITLE")
		for _, t := range p.Items {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
				t.ID, t.PropertyID, t.Status, t.Priority, t.CreatedAt.Local().Format("2006-01-02"), t.Title)
		}
		return tw.Flush()
	}
}

func newTicketCmd(a *app, fs *flag.FlagSet) runFunc {
	property := fs.Int64("property", 0, "property id")
	title := fs.String("title", "", "short summary")
	description := fs.String("description", "", "details")
	priority := fs.String("priority", "", "low, normal, high or urgent")
	return func(ctx context.Context, _ []string) error {
		if err := requireLogin(a); err != nil {
			return err
		}
		t, err := a.repo.CreateTicket(ctx, estate.NewTicket{
			PropertyID:  *property,
			Title:       *title,
			Description: *description,
			Priority:    *priority,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Created ticket #%d (%s)\n", t.ID, t.Status)
		return nil
	}
}

func notificationsCmd(a *app, fs *flag.FlagSet) runFunc {
	unread := fs.Bool("unread", false, "only unread notifications")
	return func(ctx context.Context, _ []string) error {
		if err := requireLogin(a); err != nil {
			return err
		}
		ns, err := a.repo.ListNotifications(ctx, *unread)
		if err != nil {
			return err
		}
		if len(ns) == 0 {
			fmt.Fprintln(a.out, "No notifications")
			return nil
		}
		for _, n := range ns {
			printNotification(a, n)
		}
		return nil
	}
}

func printNotification(a *app, n estate.Notification) {
	marker := " "
	if !n.Read {
		marker = "*"
	}
	fmt.Fprintf(a.out, "%s %s  %s\n", marker, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Title)
	if n.Body != "" {
		fmt.Fprintf(a.out, "    %s\n", n.Body)
	}
}

func keepaliveCmd(a *app, fs *flag.FlagSet) runFunc {
	watch := fs.Bool("watch", true, "print new notifications while running")
	return func(ctx context.Context, _ []string) error {
		if err := requireLogin(a); err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)

		ping := func(ctx context.Context) error {
			_, err := a.repo.CurrentUser(ctx)
			return err
		}
		keeper := keepalive.NewService(a.client.Session(), a.client, ping, keepalive.Opts{
			Interval: a.cfg.KeepaliveInterval,
		})
		g.Go(func() error {
			return keeper.Run(ctx)
		})

		if *watch {
			w := watcher.NewService(a.repo, func(n estate.Notification) { printNotification(a, n) }, 0)
			g.Go(func() error {
				w.Run(ctx)
				return nil
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Msg("shutdown complete")
		return nil
	}
}

func requireLogin(a *app) error {
	if !a.client.Session().IsLoggedIn() {
		return errors.New("not logged in, run estatectl login first")
	}
	return nil
}
