package crpc

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

type methodType struct {
	sync.Mutex // protects counters
	method     reflect.Method
	ArgType    reflect.Type
	ReplyType  reflect.Type
	numCalls   uint
}

type service struct {
	name   string                 // name of service
	rcvr   reflect.Value          // receiver of methods for the service
	typ    reflect.Type           // type of the receiver
	method map[string]*methodType // registered methods
}

type Server struct {
	listener   net.Listener
	serviceMap sync.Map // map[string]*service
}

var typeOfContext = reflect.TypeFor[context.Context]()

func NewServer(listener net.Listener) *Server {
	return &Server{
		listener: listener,
	}
}

// Register publishes the methods of rcvr of the form
//
//	func (t *T) Method(ctx context.Context, args *A, reply *R) error
//
// under the service name of T.
func (srv *Server) Register(rcvr any) error {
	return srv.RegisterName("", rcvr)
}

// RegisterName is like Register but uses name instead of the type name.
func (srv *Server) RegisterName(name string, rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.rcvr = reflect.ValueOf(rcvr)
	sname := name
	if sname == "" {
		sname = reflect.Indirect(s.rcvr).Type().Name()
	}
	if sname == "" {
		return fmt.Errorf("rpc.Register: no service name for type %s", s.typ.String())
	}
	if !token.IsExported(sname) {
		return errors.New("rpc.Register: type " + sname + " is not exported")
	}
	s.name = sname

	s.method = suitableMethods(s.typ)
	if len(s.method) == 0 {
		return errors.New("rpc.Register: type " + sname + " has no exported methods of suitable type")
	}

	if _, dup := srv.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("rpc: service already defined: " + sname)
	}

	for m := range s.method {
		log.Debugf("rpc.Register: %s.%s", sname, m)
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

// suitableMethods returns suitable Rpc methods of typ.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// Receiver, context, *args, *reply.
		if mtype.NumIn() != 4 {
			log.Debugf("rpc.Register: skipping method %q with %d input parameters", mname, mtype.NumIn())
			continue
		}
		if mtype.In(1) != typeOfContext {
			log.Debugf("rpc.Register: skipping method %q without a context", mname)
			continue
		}
		argType := mtype.In(2)
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("rpc.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		replyType := mtype.In(3)
		if replyType.Kind() != reflect.Pointer {
			log.Errorf("rpc.Register: reply type of method %q is not a pointer: %q", mname, replyType)
			continue
		}
		if !isExportedOrBuiltinType(replyType) {
			log.Errorf("rpc.Register: reply type of method %q is not exported: %q", mname, replyType)
			continue
		}
		if mtype.NumOut() != 1 || mtype.Out(0) != reflect.TypeFor[error]() {
			log.Errorf("rpc.Register: method %q must return exactly one error", mname)
			continue
		}
		methods[mname] = &methodType{method: method, ArgType: argType, ReplyType: replyType}
	}
	return methods
}

// Serve accepts connections until ctx is cancelled.
func (srv *Server) Serve(ctx context.Context) error {
	// Closing the listener unblocks Accept
	go func() {
		<-ctx.Done()
		if err := srv.listener.Close(); err != nil {
			log.Warnf("crpc.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	log.Infof("crpc.Server: listening on %s", srv.listener.Addr())

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Infof("crpc.Server: shutting down listener %s", srv.listener.Addr())
				return nil
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, time.Second)
				log.Warnf("crpc.Server: Accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("crpc.Server: accept error on %s: %v", srv.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("crpc.Server: accepted connection from %s", rw.RemoteAddr())
		go srv.ServeConn(ctx, rw)
	}
}

// ServeConn serves requests on a single connection until it is closed or ctx
// is cancelled. Requests are answered in order.
func (srv *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) {
	decoder := cbor.NewDecoder(conn)
	encoder := cbor.NewEncoder(conn)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		req := &RequestHeader{}
		if err := decoder.Decode(req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				log.Debugf("crpc.Server: connection closed: %v", err)
			} else {
				log.Errorf("crpc.Server: error decoding request header: %v", err)
			}
			return
		}

		svc, mtype, err := srv.lookup(req.Method)
		if err != nil {
			log.Errorf("crpc.Server: %v", err)
			return
		}

		var argv reflect.Value
		if mtype.ArgType.Kind() == reflect.Pointer {
			argv = reflect.New(mtype.ArgType.Elem())
		} else {
			argv = reflect.New(mtype.ArgType)
		}
		if err := decoder.Decode(argv.Interface()); err != nil {
			log.Errorf("crpc.Server: error decoding argument for %s: %v", req.Method, err)
			return
		}
		if mtype.ArgType.Kind() != reflect.Pointer {
			argv = argv.Elem()
		}

		replyv := reflect.New(mtype.ReplyType.Elem())
		callErr := svc.call(ctx, mtype, argv, replyv)

		repl := &ResponseHeader{Seq: req.Seq}
		if callErr != nil {
			repl.Err = callErr.Error()
			repl.Code = codeOf(callErr)
			log.Debugf("crpc.Server: %s failed: %v", req.Method, callErr)
		}

		if err := encoder.Encode(repl); err != nil {
			log.Errorf("crpc.Server: error encoding response header for %s: %v", req.Method, err)
			return
		}
		if callErr == nil {
			if err := encoder.Encode(replyv.Interface()); err != nil {
				log.Errorf("crpc.Server: error encoding response body for %s: %v", req.Method, err)
				return
			}
		}
	}
}

func (srv *Server) lookup(serviceMethod string) (*service, *methodType, error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot < 0 {
		return nil, nil, fmt.Errorf("service/method request ill-formed: %q", serviceMethod)
	}
	serviceName := serviceMethod[:dot]
	methodName := serviceMethod[dot+1:]

	svci, ok := srv.serviceMap.Load(serviceName)
	if !ok {
		return nil, nil, fmt.Errorf("can't find service %q", serviceName)
	}
	svc := svci.(*service)
	mtype := svc.method[methodName]
	if mtype == nil {
		return nil, nil, fmt.Errorf("can't find method %q of service %q", methodName, serviceName)
	}
	return svc, mtype, nil
}

func (svc *service) call(ctx context.Context, mtype *methodType, argv, replyv reflect.Value) (err error) {
	mtype.Lock()
	mtype.numCalls++
	mtype.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("crpc.Server: panic during %s.%s: %v", svc.name, mtype.method.Name, r)
			err = fmt.Errorf("rpc: internal server error during %s.%s", svc.name, mtype.method.Name)
		}
	}()

	returnValues := mtype.method.Func.Call([]reflect.Value{svc.rcvr, reflect.ValueOf(ctx), argv, replyv})
	if errInter := returnValues[0].Interface(); errInter != nil {
		return errInter.(error)
	}
	return nil
}

// Addr returns the addresses the server can be reached on. A listener bound
// to an unspecified IP is expanded to the addresses of all interfaces that
// are up, excluding loopback.
func (srv *Server) Addr() []net.Addr {
	tcpAddr, ok := srv.listener.Addr().(*net.TCPAddr)
	if !ok {
		return []net.Addr{srv.listener.Addr()}
	}
	if tcpAddr.IP != nil && !tcpAddr.IP.IsUnspecified() {
		return []net.Addr{tcpAddr}
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		log.Errorf("crpc.Server.Addr: failed to get network interfaces: %v", err)
		return []net.Addr{tcpAddr}
	}

	seen := make(map[string]struct{})
	var addresses []net.Addr
	for _, iface := range interfaces {
		if (iface.Flags & net.FlagUp) == 0 {
			continue // Interface is down
		}
		ifaddrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("crpc.Server.Addr: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}
		for _, addr := range ifaddrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsUnspecified() || ipnet.IP.IsLoopback() {
				continue
			}
			// 0.0.0.0 lists IPv4 addresses only
			if tcpAddr.IP != nil && tcpAddr.IP.Equal(net.IPv4zero) && ipnet.IP.To4() == nil {
				continue
			}
			a := &net.TCPAddr{IP: ipnet.IP, Port: tcpAddr.Port}
			if _, dup := seen[a.String()]; !dup {
				seen[a.String()] = struct{}{}
				addresses = append(addresses, a)
			}
		}
	}

	if len(addresses) == 0 {
		return []net.Addr{tcpAddr}
	}
	return addresses
}
