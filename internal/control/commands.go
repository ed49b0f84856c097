package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autobot/internal/dispatch"
)

var errUsage = errors.New("uso")

func usage(cmd *Command) error {
	return fmt.Errorf("%w: %s", errUsage, cmd.Usage)
}

func (c *Console) register() {
	cmds := []*Command{
		{Name: "groups", Aliases: []string{"grupos"}, Usage: "/groups", Description: "lista os grupos de contatos", Handle: c.cmdGroups},
		{Name: "send", Aliases: []string{"enviar"}, Usage: "/send <grupo> | <mensagem>", Description: "envia uma mensagem para um grupo agora", Timeout: -1, Handle: c.cmdSend},
		{Name: "schedule", Aliases: []string{"agendar"}, Usage: "/schedule <quando> <grupo> | <mensagem>", Description: "agenda um envio (RFC3339 ou +30m)", Handle: c.cmdSchedule},
		{Name: "pending", Aliases: []string{"agendados"}, Usage: "/pending", Description: "lista os envios agendados", Handle: c.cmdPending},
		{Name: "cancel", Aliases: []string{"cancelar"}, Usage: "/cancel <id>", Description: "cancela um envio agendado", Handle: c.cmdCancel},
		{Name: "settings", Aliases: []string{"config"}, Usage: "/settings", Description: "mostra as regras de envio", Handle: c.cmdSettings},
		{Name: "ai", Aliases: []string{"ia"}, Usage: "/ai [on|off]", Description: "mostra ou altera a resposta automática por IA", Handle: c.cmdAI},
		{Name: "help", Aliases: []string{"start", "ajuda"}, Usage: "/help", Description: "mostra esta ajuda", Handle: c.cmdHelp},
	}
	for _, cmd := range cmds {
		c.commands[cmd.Name] = cmd
		for _, a := range cmd.Aliases {
			c.commands[a] = cmd
		}
	}
	c.ordered = cmds
}

func (c *Console) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Comandos:\n")
	for _, cmd := range c.ordered {
		fmt.Fprintf(&b, "%s  %s\n", cmd.Usage, cmd.Description)
	}
	c.send(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (c *Console) cmdGroups(ctx context.Context, req *Request) error {
	groups := c.deps.Contacts.Groups()
	if len(groups) == 0 {
		c.send(ctx, req, "nenhum contato cadastrado")
		return nil
	}
	var b strings.Builder
	b.WriteString("Grupos:\n")
	for _, g := range groups {
		members, err := c.deps.Contacts.ListContactsByGroup(ctx, g)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "• %s (%d)\n", g, len(members))
	}
	c.send(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

// splitTarget parses "<group> | <message>".
func splitTarget(args string) (group, message string, ok bool) {
	group, message, found := strings.Cut(args, "|")
	group, message = strings.TrimSpace(group), strings.TrimSpace(message)
	return group, message, found && group != "" && message != ""
}

func (c *Console) cmdSend(ctx context.Context, req *Request) error {
	group, message, ok := splitTarget(req.Args)
	if !ok {
		return usage(c.commands["send"])
	}
	c.send(ctx, req, fmt.Sprintf("enviando para %s...", group))
	res, err := c.deps.Dispatcher.SendToGroup(ctx, group, message, nil)
	if err != nil {
		c.audit(ctx, req, "broadcast.send", group, 0, 0, err)
		return err
	}
	rep := res.Report
	c.audit(ctx, req, "broadcast.send", group, rep.Sent, rep.Failed+rep.Blocked, nil)
	c.send(ctx, req, formatReport(rep))
	return nil
}

func formatReport(rep *dispatch.Report) string {
	if rep.Total == 0 {
		return fmt.Sprintf("o grupo %s não tem contatos", rep.Group)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Envio para %s concluído: %d enviadas, %d falharam, %d bloqueadas (de %d)",
		rep.Group, rep.Sent, rep.Failed, rep.Blocked, rep.Total)
	for _, o := range rep.Outcomes {
		if o.Kind == dispatch.OutcomeSent {
			continue
		}
		fmt.Fprintf(&b, "\n• %s: %s (%s)", o.Name, o.Kind, o.Reason)
	}
	return b.String()
}

// parseWhen accepts RFC3339 or "+<duration>" relative to now.
func parseWhen(raw string, now time.Time) (time.Time, error) {
	if rest, ok := strings.CutPrefix(raw, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("%w: duração inválida %q", errUsage, raw)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: data inválida %q (use RFC3339 ou +30m)", errUsage, raw)
	}
	return t, nil
}

func (c *Console) cmdSchedule(ctx context.Context, req *Request) error {
	when, rest, _ := strings.Cut(req.Args, " ")
	group, message, ok := splitTarget(rest)
	if when == "" || !ok {
		return usage(c.commands["schedule"])
	}
	at, err := parseWhen(when, c.deps.Now())
	if err != nil {
		return err
	}
	res, err := c.deps.Dispatcher.SendToGroup(ctx, group, message, &at)
	c.audit(ctx, req, "broadcast.schedule", group, 0, 0, err)
	if err != nil {
		return err
	}
	loc := c.deps.Dispatcher.Settings().Location
	c.send(ctx, req, fmt.Sprintf("agendado %s para %s em %s",
		res.BroadcastID, group, res.ScheduledAt.In(loc).Format("02/01/2006 15:04")))
	return nil
}

func (c *Console) cmdPending(ctx context.Context, req *Request) error {
	pending := c.deps.Dispatcher.Pending()
	if len(pending) == 0 {
		c.send(ctx, req, "nenhum envio agendado")
		return nil
	}
	loc := c.deps.Dispatcher.Settings().Location
	var b strings.Builder
	b.WriteString("Agendados:\n")
	for _, p := range pending {
		fmt.Fprintf(&b, "• %s  %s  %s  %s\n", p.ID, p.ScheduledAt.In(loc).Format("02/01 15:04"), p.Group, preview(p.Template, 40))
	}
	c.send(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (c *Console) cmdCancel(ctx context.Context, req *Request) error {
	id := strings.TrimSpace(req.Args)
	if id == "" {
		return usage(c.commands["cancel"])
	}
	err := c.deps.Dispatcher.CancelScheduled(id)
	c.audit(ctx, req, "broadcast.cancel", id, 0, 0, err)
	if err != nil {
		return err
	}
	c.send(ctx, req, "cancelado "+id)
	return nil
}

func (c *Console) cmdSettings(ctx context.Context, req *Request) error {
	s := c.deps.Dispatcher.Settings()
	text := fmt.Sprintf(`Regras de envio:
intervalo entre mensagens: %s
máximo por minuto: %d
horário permitido: %s (%s)
falhas até bloquear: %d
bloqueio: %s`,
		s.DelayBetweenMessages, s.MaxMessagesPerMinute, s.AllowedHours, s.Location,
		s.MaxRetries, s.CooldownPeriod)
	c.send(ctx, req, text)
	return nil
}

func (c *Console) cmdAI(ctx context.Context, req *Request) error {
	if c.deps.AI == nil {
		c.send(ctx, req, "resposta automática não configurada")
		return nil
	}
	var on bool
	switch strings.ToLower(strings.TrimSpace(req.Args)) {
	case "":
		c.send(ctx, req, "IA "+onOff(c.deps.AI.AIEnabled()))
		return nil
	case "on", "ligar":
		on = true
	case "off", "desligar":
		on = false
	default:
		return usage(c.commands["ai"])
	}
	err := c.deps.AI.SetAIEnabled(ctx, on)
	c.audit(ctx, req, "ai.toggle", onOff(on), 0, 0, err)
	if err != nil {
		return err
	}
	c.send(ctx, req, "IA "+onOff(on))
	return nil
}

func onOff(b bool) string {
	if b {
		return "ligada"
	}
	return "desligada"
}
