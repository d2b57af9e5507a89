package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"
	flag "github.com/ogier/pflag"

	"drawbot-go/pkg/config"
	"drawbot-go/pkg/device"
	"drawbot-go/pkg/motion"
	"drawbot-go/pkg/protocol"
)

// Commander is the part of the device link the console drives.
type Commander interface {
	Do(ctx context.Context, cmd protocol.Command) (protocol.Response, error)
	Telemetry() device.Telemetry
}

// console runs one operator command at a time against the arm.
type console struct {
	dev     Commander
	timeout time.Duration
	edit    *config.Editable // nil without a config file
}

// exec sends cmd and renders the acknowledgement.
func (c *console) exec(cmd protocol.Command) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	resp, err := c.dev.Do(ctx, cmd)
	if err != nil {
		return "", err
	}
	return resp.Raw, nil
}

func parseFloats(args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d numbers, got %d", n, len(args))
	}
	return protocol.ParseFloats(args)
}

// poseArgs accepts "x y z" or "x y z rx ry rz".
func poseArgs(args []string) (motion.Pose6D, error) {
	switch len(args) {
	case 3:
		v, err := protocol.ParseFloats(args)
		if err != nil {
			return motion.Pose6D{}, err
		}
		return motion.PlanarPose(v[0], v[1], v[2]), nil
	case 6:
		v, err := protocol.ParseFloats(args)
		if err != nil {
			return motion.Pose6D{}, err
		}
		return motion.Pose6D{X: v[0], Y: v[1], Z: v[2], RX: v[3], RY: v[4], RZ: v[5]}, nil
	}
	return motion.Pose6D{}, errors.New("expected x y z [rx ry rz]")
}

func (c *console) enable([]string) (string, error)  { return c.exec(protocol.Enable()) }
func (c *console) clear([]string) (string, error)   { return c.exec(protocol.ClearError()) }
func (c *console) reset([]string) (string, error)   { return c.exec(protocol.ResetRobot()) }
func (c *console) syncCmd([]string) (string, error) { return c.exec(protocol.Sync()) }

func (c *console) mode([]string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	resp, err := c.dev.Do(ctx, protocol.QueryRobotMode())
	if err != nil {
		return "", err
	}
	m, err := protocol.ParseRobotMode(resp)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%d)", m, int(m)), nil
}

// intCmd builds a single-integer command. Accepted values are remembered
// under option so that "save" can persist them.
func (c *console) intCmd(build func(int) protocol.Command, option string) func([]string) (string, error) {
	return func(args []string) (string, error) {
		if len(args) != 1 {
			return "", errors.New("expected one integer")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return "", err
		}
		cmd := build(v)
		if err := cmd.Validate(); err != nil {
			return "", err
		}
		out, err := c.exec(cmd)
		if err == nil && c.edit != nil {
			c.edit.Set("device", option, strconv.Itoa(v))
		}
		return out, err
	}
}

func (c *console) save([]string) (string, error) {
	if c.edit == nil {
		return "", errors.New("no config file, start the console with -c")
	}
	changed := c.edit.Modified()
	if len(changed) == 0 {
		return "nothing to save", nil
	}
	if err := c.edit.Save(); err != nil {
		return "", err
	}
	return fmt.Sprintf("saved %v to %s", changed, c.edit.Path()), nil
}

func (c *console) servo(args []string) (string, error) {
	fs := flag.NewFlagSet("servo", flag.ContinueOnError)
	var noSync bool
	fs.BoolVar(&noSync, "no-sync", false, "stream the setpoint without waiting")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	pose, err := poseArgs(fs.Args())
	if err != nil {
		return "", err
	}
	if noSync {
		return c.exec(protocol.StreamMove(pose))
	}
	return c.exec(protocol.MoveAndSync(pose))
}

func (c *console) movl(args []string) (string, error) {
	pose, err := poseArgs(args)
	if err != nil {
		return "", err
	}
	return c.exec(protocol.MovL(pose))
}

func (c *console) movj(args []string) (string, error) {
	v, err := parseFloats(args, 6)
	if err != nil {
		return "", err
	}
	var joints [6]float64
	copy(joints[:], v)
	return c.exec(protocol.MovJ(joints))
}

func (c *console) telemetry([]string) (string, error) {
	t := c.dev.Telemetry()
	return fmt.Sprintf("packets=%d mode=%s", t.Packets, t.Mode), nil
}

type consoleCmd struct {
	name string
	help string
	fn   func([]string) (string, error)
}

func (c *console) commands() []consoleCmd {
	return []consoleCmd{
		{"enable", "activate the actuator", c.enable},
		{"clear", "clear the fault state", c.clear},
		{"reset", "stop the arm and reset the controller", c.reset},
		{"mode", "show the controller mode", c.mode},
		{"speed", "set the speed factor, usage: speed <1..100>", c.intCmd(protocol.SetSpeedFactor, "speed_factor")},
		{"user", "select the user frame, usage: user <id>", c.intCmd(protocol.SetFrame, "user_frame")},
		{"servo", "move to a pose, usage: servo [--no-sync] x y z [rx ry rz]", c.servo},
		{"movl", "linear move, usage: movl x y z [rx ry rz]", c.movl},
		{"movj", "joint move, usage: movj j1 j2 j3 j4 j5 j6", c.movj},
		{"sync", "wait until streamed setpoints are reached", c.syncCmd},
		{"telemetry", "show telemetry counters", c.telemetry},
		{"save", "write the speed factor and user frame to the config file", c.save},
	}
}

// register adds every console command to the shell.
func (c *console) register(shell *ishell.Shell) {
	for _, cc := range c.commands() {
		cc := cc
		shell.AddCmd(&ishell.Cmd{
			Name: cc.name,
			Help: cc.help,
			Func: func(ctx *ishell.Context) {
				out, err := cc.fn(ctx.Args)
				if err != nil {
					ctx.Err(err)
					return
				}
				ctx.Println(out)
			},
		})
	}
}
