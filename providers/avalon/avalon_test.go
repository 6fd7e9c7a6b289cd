package avalon

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
)

const estatsReply = `STATUS=S,When=1700000000,Code=70,Msg=CGMiner stats,Description=cgminer 4.11.1|STATS=0,ID=AVA100,Elapsed=1697,MM ID0=Ver[1246-83-21042601_4ec6bb0_61407fa] DNA[020100008c4ec2ee] Elapsed[1697] MW[49920 49920 49920] LW[149760] MH[0 0 0] HW[0] DH[0.563%] Temp[28] TMax[82] TAvg[74] Fan1[4110] Fan2[4090] FanR[64%] Vo[300] PS[0 1209 1291 85 1100 1291 1107] WORKMODE[1] MTavg[72 75 -273] GHSspd[85123.45] GHSavg[84000.5] SYSTEMSTATU[Work: In Work, Hash Board: 3 ]|`

type fakeCgminer struct {
	t        *testing.T
	ln       net.Listener
	mu       sync.Mutex
	pools    [poolSlots][2]string
	workMode int
	commands []string
}

func newFakeCgminer(t *testing.T) *fakeCgminer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeCgminer{t: t, ln: ln, workMode: 1}
	f.pools[0] = [2]string{"stratum+tcp://old.pool:3333", "olduser.1x2"}
	f.pools[1] = [2]string{"stratum+tcp://old.backup:3333", "olduser.1x2"}
	f.pools[2] = [2]string{"stratum+tcp://old.backup:3333", "olduser.1x2"}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeCgminer) addr() string { return f.ln.Addr().String() }

func (f *fakeCgminer) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeCgminer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	cmd := string(buf[:n])
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	reply := f.replyLocked(cmd)
	f.mu.Unlock()
	if reply != "" {
		_, _ = conn.Write([]byte(reply + "\x00"))
	}
}

func (f *fakeCgminer) replyLocked(cmd string) string {
	switch {
	case cmd == cmdVersion:
		return "STATUS=S,When=1,Code=22,Msg=CGMiner versions,Description=cgminer 4.11.1|VERSION,CGMiner=4.11.1,API=3.7,PROD=AvalonMiner 1246,MODEL=1246,HWTYPE=MM4v2_X3|"
	case cmd == cmdEstats:
		return strings.Replace(estatsReply, "WORKMODE[1]", fmt.Sprintf("WORKMODE[%d]", f.workMode), 1)
	case strings.HasPrefix(cmd, cmdWorkMode):
		fmt.Sscanf(strings.TrimPrefix(cmd, cmdWorkMode), "%d", &f.workMode)
		return "STATUS=I,When=1,Code=118,Msg=ASC 0 set info: success set workmode|"
	case cmd == cmdHashPower:
		return "STATUS=I,When=1,Code=118,Msg=ASC 0 set info: PS[0 1209 1291 85 3420 1291],Description=cgminer 4.11.1|"
	case cmd == cmdPools:
		var b strings.Builder
		b.WriteString("STATUS=S,When=1,Code=7,Msg=3 Pool(s),Description=cgminer 4.11.1|")
		for i, p := range f.pools {
			fmt.Fprintf(&b, "POOL=%d,URL=%s,Status=Alive,Priority=%d,Quota=1,Long Poll=N,Getworks=1,User=%s,Last Share Time=0|", i, p[0], i, p[1])
		}
		return b.String()
	case strings.HasPrefix(cmd, "ascset|0,setpool,"):
		parts := strings.Split(cmd, ",")
		if len(parts) != 8 {
			return "STATUS=E,When=1,Code=119,Msg=ASC 0 set failed: bad args|"
		}
		var idx int
		fmt.Sscanf(parts[4], "%d", &idx)
		f.pools[idx] = [2]string{parts[5], parts[6]}
		return "STATUS=I,When=1,Code=118,Msg=ASC 0 set info: success set pool|"
	case cmd == cmdReboot:
		return ""
	default:
		return "STATUS=E,When=1,Code=14,Msg=Invalid command|"
	}
}

func (f *fakeCgminer) seen(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			count++
		}
	}
	return count
}

func TestIdentifyAndQueryStatus(t *testing.T) {
	fake := newFakeCgminer(t)
	adapter := New(Config{Timeout: time.Second})
	ctx := context.Background()

	ok, err := adapter.Identify(ctx, fake.addr())
	if err != nil || !ok {
		t.Fatalf("expected avalon identification, got ok=%v err=%v", ok, err)
	}
	report, err := adapter.QueryStatus(ctx, fake.addr())
	if err != nil {
		t.Fatalf("QueryStatus returned error: %v", err)
	}
	if report.Model != "1246" {
		t.Fatalf("unexpected model %q", report.Model)
	}
	m := report.Metrics
	if m.HashrateGHS != 85123.45 || m.AvgHashrateGHS != 84000.5 || m.ElapsedSec != 1697 {
		t.Fatalf("unexpected hashrate metrics %#v", m)
	}
	if m.TemperatureC != 75 || m.FanRPM != 4110 || m.WorkMode != "1" || m.PowerW != 3420 {
		t.Fatalf("unexpected health metrics %#v", m)
	}
}

func TestParseEstatsRejectsGarbage(t *testing.T) {
	if _, err := parseEstats("STATUS=S,Msg=nothing useful|"); err == nil {
		t.Fatalf("expected error for reply without GHSspd")
	}
}

func TestSetPoolsIdempotent(t *testing.T) {
	fake := newFakeCgminer(t)
	adapter := New(Config{Timeout: time.Second})
	ctx := context.Background()
	desired := []miner.PoolConfig{
		{URL: "new.pool:3333", Account: "acme.12x34", Password: "123"},
		{URL: "new.backup:3333", Account: "acme.12x34", Password: "123"},
	}
	for i := 0; i < 2; i++ {
		if err := adapter.SetPools(ctx, fake.addr(), desired); err != nil {
			t.Fatalf("SetPools #%d returned error: %v", i+1, err)
		}
	}
	pools, err := adapter.GetPools(ctx, fake.addr())
	if err != nil {
		t.Fatalf("GetPools returned error: %v", err)
	}
	if len(pools) != poolSlots {
		t.Fatalf("expected %d pools, got %#v", poolSlots, pools)
	}
	if pools[0].URL != "stratum+tcp://new.pool:3333" || !miner.SamePool(pools[0], desired[0]) {
		t.Fatalf("unexpected primary %#v", pools[0])
	}
	if !miner.SamePool(pools[2], desired[1]) {
		t.Fatalf("short list should repeat the last pool, got %#v", pools[2])
	}
	if got := fake.seen("ascset|0,setpool,"); got != 2*poolSlots {
		t.Fatalf("expected %d setpool commands, got %d", 2*poolSlots, got)
	}
	if fake.seen(cmdReboot) != 0 {
		t.Fatalf("reboot must not be sent without RebootAfterSet")
	}
}

func TestSetPoolsRebootAfterSet(t *testing.T) {
	fake := newFakeCgminer(t)
	adapter := New(Config{Timeout: time.Second, RebootAfterSet: true})
	err := adapter.SetPools(context.Background(), fake.addr(), []miner.PoolConfig{{URL: "p:1", Account: "a"}})
	if err != nil {
		t.Fatalf("SetPools returned error: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for fake.seen(cmdReboot) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fake.seen(cmdReboot) != 1 {
		t.Fatalf("expected a reboot after set")
	}
}

func TestWorkModeRoundTrip(t *testing.T) {
	fake := newFakeCgminer(t)
	adapter := New(Config{Timeout: time.Second})
	ctx := context.Background()

	mode, err := adapter.GetWorkMode(ctx, fake.addr())
	if err != nil || mode != miner.WorkModeHigh {
		t.Fatalf("GetWorkMode = %q, %v", mode, err)
	}
	if err := adapter.SetWorkMode(ctx, fake.addr(), miner.WorkModeNormal); err != nil {
		t.Fatalf("SetWorkMode returned error: %v", err)
	}
	if fake.seen("ascset|0,workmode,0") != 1 {
		t.Fatalf("expected one workmode write")
	}
	mode, err = adapter.GetWorkMode(ctx, fake.addr())
	if err != nil || mode != miner.WorkModeNormal {
		t.Fatalf("GetWorkMode after set = %q, %v", mode, err)
	}
	if err := adapter.SetWorkMode(ctx, fake.addr(), "turbo"); !miner.IsProtocol(err) {
		t.Fatalf("expected protocol error for unknown mode, got %v", err)
	}
}

func TestRebootIsWriteOnly(t *testing.T) {
	fake := newFakeCgminer(t)
	adapter := New(Config{Timeout: time.Second})
	if err := adapter.Reboot(context.Background(), fake.addr()); err != nil {
		t.Fatalf("Reboot returned error: %v", err)
	}
}

func TestUnreachableAndRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := ln.Addr().String()
	_ = ln.Close()

	adapter := New(Config{Timeout: 500 * time.Millisecond})
	err = adapter.Reboot(context.Background(), closed)
	if !miner.IsUnreachable(err) || !miner.IsDialFailure(err) {
		t.Fatalf("expected dial failure, got %v", err)
	}

	fake := newFakeCgminer(t)
	_, err = adapter.api.command(context.Background(), fake.addr(), "bogus")
	if !miner.IsProtocol(err) {
		t.Fatalf("expected protocol error for rejected command, got %v", err)
	}
}
