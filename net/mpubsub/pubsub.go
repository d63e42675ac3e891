// Package mpubsub implements a Multicast PubSub.
// Publish: a CBOR-encoded message is sent to a multicast group.
// Subscribe: a listener receives a message over the network and distributes it to a registered callback.
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/token"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// MaxMessageSize bounds a single datagram.
const MaxMessageSize = 8192

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

type handlerType struct {
	method  reflect.Method
	argType reflect.Type
}

type service struct {
	name    string
	sub     reflect.Value
	typ     reflect.Type
	methods map[string]*handlerType
}

type PubSub struct {
	rc         *net.UDPConn
	wc         *net.UDPConn
	serviceMap sync.Map
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *PubSub {
	return &PubSub{
		rc: rconn,
		wc: wconn,
	}
}

// Join subscribes to the multicast group at address (ip:port) and returns a
// PubSub publishing to the same group.
func Join(address string) (*PubSub, error) {
	groupAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("mpubsub: failed to resolve %s: %w", address, err)
	}

	rc, err := net.ListenMulticastUDP("udp", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("mpubsub: failed to listen on %s: %w", address, err)
	}

	wc, err := net.DialUDP("udp", nil, groupAddr)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("mpubsub: failed to dial %s: %w", address, err)
	}

	return New(rc, wc), nil
}

// Register installs the handlers of rcvr: exported methods taking one
// pointer argument and returning nothing.
func (ps *PubSub) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.sub = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.sub).Type().Name()
	if sname == "" {
		return fmt.Errorf("mpubsub.Register: no service name for type %s", s.typ.String())
	}
	if !token.IsExported(sname) {
		return fmt.Errorf("mpubsub.Register: type %q is not exported", sname)
	}
	s.name = sname

	s.methods = suitableHandlers(s.typ)
	if len(s.methods) == 0 {
		return fmt.Errorf("mpubsub.Register: type %s has no exported methods of suitable type", sname)
	}
	ps.serviceMap.Store(sname, s)

	for m := range s.methods {
		log.Debugf("mpubsub.Register: %s.%s", sname, m)
	}
	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// receiver, *args
		if mtype.NumIn() != 2 {
			log.Debugf("mpubsub.Register: method %q has %d input parameters; needs exactly two", mname, mtype.NumIn())
			continue
		}
		argType := mtype.In(1)
		if argType.Kind() != reflect.Pointer || !isExportedOrBuiltinType(argType) {
			log.Debugf("mpubsub.Register: argument type of method %q is not an exported pointer: %q", mname, argType)
			continue
		}
		if mtype.NumOut() != 0 {
			log.Debugf("mpubsub.Register: method %q has %d output parameters; needs exactly zero", mname, mtype.NumOut())
			continue
		}
		handlers[mname] = &handlerType{method: method, argType: argType}
	}
	return handlers
}

func (ps *PubSub) Publish(serviceMethod string, args any) error {
	msg := MessageHeader{
		ServiceMethod: serviceMethod,
	}

	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if err := enc.Encode(args); err != nil {
		return err
	}
	if buf.Len() > MaxMessageSize {
		return fmt.Errorf("mpubsub: message for %s is %d bytes, limit is %d", serviceMethod, buf.Len(), MaxMessageSize)
	}

	_, err := ps.wc.Write(buf.Bytes())
	return err
}

// Listen dispatches received messages until ctx is cancelled. Handlers run
// on the listening goroutine.
func (ps *PubSub) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { ps.rc.Close() })
	defer stop()

	buf := make([]byte, MaxMessageSize)
	for {
		n, _, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Errorf("mpubsub: failed to read message: %v", err)
			continue
		}
		ps.dispatch(buf[:n])
	}
}

func (ps *PubSub) dispatch(data []byte) {
	dec := cbor.NewDecoder(bytes.NewReader(data))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		log.Errorf("mpubsub: failed to unmarshal message: %v", err)
		return
	}

	dot := strings.LastIndex(msg.ServiceMethod, ".")
	if dot < 0 {
		log.Errorf("mpubsub: service/method ill-formed: %s", msg.ServiceMethod)
		return
	}
	serviceName := msg.ServiceMethod[:dot]
	methodName := msg.ServiceMethod[dot+1:]

	svci, ok := ps.serviceMap.Load(serviceName)
	if !ok {
		log.Debugf("mpubsub: can't find service %s", msg.ServiceMethod)
		return
	}
	svc := svci.(*service)

	handler := svc.methods[methodName]
	if handler == nil {
		log.Errorf("mpubsub: can't find method %s", msg.ServiceMethod)
		return
	}

	arg := reflect.New(handler.argType.Elem())
	if err := dec.Decode(arg.Interface()); err != nil {
		log.Errorf("mpubsub: failed to unmarshal arguments: %v", err)
		return
	}

	handler.method.Func.Call([]reflect.Value{svc.sub, arg})
}

// Close closes both sockets.
func (ps *PubSub) Close() error {
	return errors.Join(ps.rc.Close(), ps.wc.Close())
}
