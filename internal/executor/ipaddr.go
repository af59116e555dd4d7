package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// IPAddressCreateParams describes an ip_address_create task. AddrObj
// defaults to <interface>/v4 for static and <interface>/<type> otherwise.
type IPAddressCreateParams struct {
	Interface string `json:"interface" validate:"required"`
	AddrObj   string `json:"addrobj,omitempty"`
	Type      string `json:"type" validate:"required"`
	Address   string `json:"address,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
	Wait      bool   `json:"wait,omitempty"`
}

// IPAddressDeleteParams describes an ip_address_delete task.
type IPAddressDeleteParams struct {
	AddrObj string `json:"addrobj" validate:"required"`
	Release bool   `json:"release,omitempty"`
}

var (
	ifaceRe   = regexp.MustCompile(`^[a-z][a-z0-9_]*[0-9]$`)
	addrObjRe = regexp.MustCompile(`^[a-z][a-z0-9_]*[0-9]/[a-zA-Z0-9_]+$`)
)

// ValidateIPAddressCreate checks address-creation parameters and returns
// the effective addrobj.
func ValidateIPAddressCreate(p *IPAddressCreateParams) (string, error) {
	if !ifaceRe.MatchString(p.Interface) {
		return "", fmt.Errorf("invalid interface name %q", p.Interface)
	}
	switch p.Type {
	case "static":
		if p.Address == "" {
			return "", fmt.Errorf("address is required for static type")
		}
	case "dhcp", "addrconf":
		if p.Address != "" {
			return "", fmt.Errorf("address is only valid for static type")
		}
	default:
		return "", fmt.Errorf("type must be static, dhcp or addrconf")
	}

	addrobj := p.AddrObj
	if addrobj == "" {
		switch p.Type {
		case "static":
			addrobj = p.Interface + "/v4"
		default:
			addrobj = p.Interface + "/" + p.Type
		}
	}
	if !addrObjRe.MatchString(addrobj) {
		return "", fmt.Errorf("invalid addrobj %q, expected interface/name", addrobj)
	}
	if !strings.HasPrefix(addrobj, p.Interface+"/") {
		return "", fmt.Errorf("addrobj %q does not belong to interface %q", addrobj, p.Interface)
	}
	return addrobj, nil
}

// ipInterfaceExists checks whether the IP interface is already plumbed.
func (e *Executor) ipInterfaceExists(ctx context.Context, iface string) bool {
	r := e.runner.Run(ctx, "ipadm show-if -p -o ifname "+command.Quote(iface))
	return r.Success && strings.TrimSpace(r.Output) != ""
}

func (e *Executor) handleIPAddressCreate(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p IPAddressCreateParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	addrobj, err := ValidateIPAddressCreate(&p)
	if err != nil {
		return nil, err
	}

	if !e.ipInterfaceExists(ctx, p.Interface) {
		if r := e.runner.Run(ctx, command.Privileged("ipadm create-if "+p.Interface)); !r.Success {
			return nil, fmt.Errorf("ipadm create-if %s failed: %s", p.Interface, r.Error)
		}
	}

	args := []string{"ipadm", "create-addr"}
	if p.Temporary {
		args = append(args, "-t")
	}
	switch p.Type {
	case "static":
		args = append(args, "-T", "static", "-a", "local="+command.Quote(p.Address))
	case "dhcp":
		args = append(args, "-T", "dhcp")
		if p.Wait {
			args = append(args, "-w", "forever")
		}
	case "addrconf":
		args = append(args, "-T", "addrconf")
	}
	args = append(args, addrobj)

	e.logger.Info("creating address", "addrobj", addrobj, "type", p.Type, "task_id", h.ID())
	if r := e.runner.Run(ctx, command.Privileged(strings.Join(args, " "))); !r.Success {
		return nil, fmt.Errorf("ipadm create-addr failed: %s", r.Error)
	}

	// Read back the address state for the projection row. dhcp leases may
	// still be pending; the row records whatever ipadm shows now.
	row := &models.IPAddress{
		Hostname:  e.hostname,
		AddrObj:   addrobj,
		Interface: p.Interface,
	}
	addrType := p.Type
	row.Type = &addrType
	if shown := e.showAddr(ctx, addrobj); shown != nil {
		row.Addr = shown.Addr
		row.State = shown.State
	} else if p.Address != "" {
		row.Addr = &p.Address
	}
	if err := e.projections.UpsertIPAddress(ctx, row); err != nil {
		e.logger.Error("address projection write failed", "addrobj", addrobj, "error", err)
	}
	e.refreshLinkRow(ctx, p.Interface)

	return taskqueue.Succeed("address %s created", addrobj), nil
}

// refreshLinkRow re-caches the datalink that now carries an address, from
// dladm show-link. Failures only log; the address itself already exists.
func (e *Executor) refreshLinkRow(ctx context.Context, link string) {
	r := e.runner.Run(ctx, "dladm show-link -p -o link,class,mtu,state,over "+command.Quote(link))
	if !r.Success {
		return
	}
	line, _, _ := strings.Cut(strings.TrimSpace(r.Output), "\n")
	fields := splitParsable(line)
	if len(fields) < 5 || fields[0] == "" {
		return
	}

	iface := &models.NetworkInterface{Hostname: e.hostname, Link: fields[0]}
	if fields[1] != "" {
		c := strings.ToLower(fields[1])
		iface.Class = &c
	}
	if mtu, err := strconv.Atoi(fields[2]); err == nil {
		iface.MTU = &mtu
	}
	if fields[3] != "" {
		s := strings.ToLower(fields[3])
		iface.State = &s
	}
	if fields[4] != "" && fields[4] != "--" {
		o := fields[4]
		iface.OverLink = &o
	}
	if err := e.projections.UpsertInterface(ctx, iface); err != nil {
		e.logger.Error("interface projection write failed", "link", link, "error", err)
	}
}

func (e *Executor) handleIPAddressDelete(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p IPAddressDeleteParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if !addrObjRe.MatchString(p.AddrObj) {
		return nil, fmt.Errorf("invalid addrobj %q", p.AddrObj)
	}
	iface := strings.SplitN(p.AddrObj, "/", 2)[0]

	line := "ipadm delete-addr "
	if p.Release {
		line += "-r "
	}
	line += p.AddrObj

	e.logger.Info("deleting address", "addrobj", p.AddrObj, "task_id", h.ID())
	if r := e.runner.Run(ctx, command.Privileged(line)); !r.Success {
		return nil, fmt.Errorf("ipadm delete-addr failed: %s", r.Error)
	}

	if err := e.projections.DeleteIPAddress(ctx, e.hostname, p.AddrObj); err != nil {
		e.logger.Error("address projection delete failed", "addrobj", p.AddrObj, "error", err)
	}

	// Tear down the IP interface once its last address is gone. The link
	// row stays; links outlive their addresses.
	remaining := e.listAddrObjs(ctx, iface)
	if len(remaining) == 0 {
		if r := e.runner.Run(ctx, command.Privileged("ipadm delete-if "+iface)); !r.Success {
			e.logger.Warn("ipadm delete-if failed", "interface", iface, "error", r.Error)
		} else {
			return taskqueue.Succeed("address %s deleted, interface %s torn down", p.AddrObj, iface), nil
		}
	}
	return taskqueue.Succeed("address %s deleted", p.AddrObj), nil
}

// shownAddr is one parsed ipadm show-addr row.
type shownAddr struct {
	AddrObj string
	Type    *string
	State   *string
	Addr    *string
}

// showAddr reads one addrobj's current state.
func (e *Executor) showAddr(ctx context.Context, addrobj string) *shownAddr {
	r := e.runner.Run(ctx, "ipadm show-addr -p -o addrobj,type,state,addr "+command.Quote(addrobj))
	if !r.Success {
		return nil
	}
	rows := parseShowAddr(r.Output)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// listAddrObjs returns the addrobjs currently configured on an interface.
func (e *Executor) listAddrObjs(ctx context.Context, iface string) []string {
	r := e.runner.Run(ctx, "ipadm show-addr -p -o addrobj")
	if !r.Success {
		return nil
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(r.Output), "\n") {
		obj := strings.TrimSpace(line)
		if strings.HasPrefix(obj, iface+"/") {
			out = append(out, obj)
		}
	}
	return out
}

// parseShowAddr parses ipadm -p colon-delimited rows. Colons inside values
// (IPv6 literals) arrive escaped as \: and are unescaped here.
func parseShowAddr(output string) []*shownAddr {
	var out []*shownAddr
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		fields := splitParsable(line)
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		row := &shownAddr{AddrObj: fields[0]}
		if fields[1] != "" {
			t := strings.ToLower(fields[1])
			row.Type = &t
		}
		if fields[2] != "" {
			s := strings.ToLower(fields[2])
			row.State = &s
		}
		if fields[3] != "" {
			a := fields[3]
			row.Addr = &a
		}
		out = append(out, row)
	}
	return out
}

// splitParsable splits one ipadm/dladm -p line on unescaped colons.
func splitParsable(line string) []string {
	var fields []string
	var b strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	fields = append(fields, b.String())
	return fields
}
