package totalhash

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// Report is the structured form of a TotalHash analysis document.
type Report struct {
	Time      string
	AV        []AVSignature
	Processes []Process
	Running   []RunningProcess
	Flows     []Flow
	DNS       []DNSRecord
	HTTP      []HTTPRequest
}

type AVSignature struct {
	Scanner   string `xml:"scanner,attr"`
	Signature string `xml:"signature,attr"`
	Timestamp string `xml:"timestamp,attr"`
}

// Process aggregates everything one sandboxed process did during the run.
type Process struct {
	PID      string `xml:"pid,attr"`
	Filename string `xml:"filename,attr"`

	LoadedDLLs       []LoadedDLL   `xml:"dll_handling_section>load_dll"`
	CreatedFiles     []FileOp      `xml:"filesystem_section>create_file"`
	DeletedFiles     []FileOp      `xml:"filesystem_section>delete_file"`
	CreatedProcesses []ProcessOp   `xml:"process_section>create_process"`
	OpenedProcesses  []ProcessOp   `xml:"process_section>open_process"`
	RequestedHosts   []HostLookup  `xml:"winsock_section>getaddrinfo"`
	Mutexes          []Mutex       `xml:"mutex_section>create_mutex"`
	Hooks            []WindowsHook `xml:"windows_hook_section>set_windows_hook"`
	RegistrySets     []RegistryOp  `xml:"registry_section>set_value"`
	CreatedServices  []ServiceOp   `xml:"service_section>create_service"`
	StartedServices  []ServiceOp   `xml:"service_section>start_service"`
	DebuggerChecks   []SystemCheck `xml:"system_info_section>check_for_debugger"`
}

type LoadedDLL struct {
	Filename string `xml:"filename,attr"`
}

type FileOp struct {
	SrcFile string `xml:"srcfile,attr"`
}

type ProcessOp struct {
	Cmdline   string `xml:"cmdline,attr"`
	TargetPID string `xml:"targetpid,attr"`
	API       string `xml:"apifunction,attr"`
}

type HostLookup struct {
	Host string `xml:"requested_host,attr"`
}

type Mutex struct {
	Name string `xml:"name,attr"`
}

type WindowsHook struct {
	HookID string `xml:"hookid,attr"`
}

type RegistryOp struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

type ServiceOp struct {
	DisplayName string `xml:"displayname,attr"`
	ImagePath   string `xml:"imagepath,attr"`
}

type SystemCheck struct {
	API string `xml:"apifunction,attr"`
}

type RunningProcess struct {
	PID      string `xml:"pid,attr"`
	PPID     string `xml:"ppid,attr"`
	Filename string `xml:"filename,attr"`
}

type Flow struct {
	Protocol string `xml:"protocol,attr"`
	SrcIP    string `xml:"src_ip,attr"`
	SrcPort  string `xml:"src_port,attr"`
	DstIP    string `xml:"dst_ip,attr"`
	DstPort  string `xml:"dst_port,attr"`
	Bytes    string `xml:"bytes,attr"`
}

// ProtocolName maps the numeric IP protocol to its common name.
func (f Flow) ProtocolName() string {
	switch f.Protocol {
	case "6":
		return "TCP"
	case "17":
		return "UDP"
	}
	return f.Protocol
}

type DNSRecord struct {
	RR   string `xml:"rr,attr"`
	Type string `xml:"type,attr"`
	IP   string `xml:"ip,attr"`
}

// ResolvedIP returns the resolution result, or a placeholder when the
// report carries no ip attribute for the record.
func (r DNSRecord) ResolvedIP() string {
	if r.IP == "" {
		return "Not resolved."
	}
	return r.IP
}

type HTTPRequest struct {
	UserAgent string `xml:"user_agent,attr"`
	Type      string `xml:"type,attr"`
	URL       string `xml:",chardata"`
}

// ParseReport decodes a TotalHash XML report. Finding elements are matched
// by name at any depth, so changes in the report's wrapper structure do not
// break parsing.
func ParseReport(data []byte) (*Report, error) {
	report := &Report{}
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid report XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "analysis":
			for _, a := range start.Attr {
				if a.Name.Local == "time" {
					report.Time = a.Value
				}
			}
		case "av":
			var av AVSignature
			if err := d.DecodeElement(&av, &start); err != nil {
				return nil, fmt.Errorf("invalid av element: %w", err)
			}
			report.AV = append(report.AV, av)
		case "process":
			var proc Process
			if err := d.DecodeElement(&proc, &start); err != nil {
				return nil, fmt.Errorf("invalid process element: %w", err)
			}
			// Some reports carry placeholder entries with no filename.
			if proc.Filename != "" {
				report.Processes = append(report.Processes, proc)
			}
		case "running_process":
			var proc RunningProcess
			if err := d.DecodeElement(&proc, &start); err != nil {
				return nil, fmt.Errorf("invalid running_process element: %w", err)
			}
			report.Running = append(report.Running, proc)
		case "flows":
			var flow Flow
			if err := d.DecodeElement(&flow, &start); err != nil {
				return nil, fmt.Errorf("invalid flows element: %w", err)
			}
			report.Flows = append(report.Flows, flow)
		case "dns":
			var rec DNSRecord
			if err := d.DecodeElement(&rec, &start); err != nil {
				return nil, fmt.Errorf("invalid dns element: %w", err)
			}
			report.DNS = append(report.DNS, rec)
		case "http":
			var req HTTPRequest
			if err := d.DecodeElement(&req, &start); err != nil {
				return nil, fmt.Errorf("invalid http element: %w", err)
			}
			report.HTTP = append(report.HTTP, req)
		}
	}
	return report, nil
}
