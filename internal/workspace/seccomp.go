package workspace

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// defaultSeccompProfile is the deny-by-default allow-list applied to every
// sandbox. Anything not listed fails with EPERM. The set covers what node,
// git and ordinary shell tools need; notably absent: mount, ptrace, bpf,
// kernel module and keyring syscalls.
const defaultSeccompProfile = `{
  "defaultAction": "SCMP_ACT_ERRNO",
  "defaultErrnoRet": 1,
  "archMap": [
    {
      "architecture": "SCMP_ARCH_X86_64",
      "subArchitectures": ["SCMP_ARCH_X86", "SCMP_ARCH_X32"]
    },
    {
      "architecture": "SCMP_ARCH_AARCH64",
      "subArchitectures": ["SCMP_ARCH_ARM"]
    }
  ],
  "syscalls": [
    {
      "names": [
        "accept", "accept4", "access", "arch_prctl", "bind", "brk",
        "capget", "capset", "chdir", "chmod", "chown", "clock_getres",
        "clock_gettime", "clock_nanosleep", "clone", "clone3", "close",
        "close_range", "connect", "copy_file_range", "creat", "dup",
        "dup2", "dup3", "epoll_create", "epoll_create1", "epoll_ctl",
        "epoll_pwait", "epoll_wait", "eventfd", "eventfd2", "execve",
        "execveat", "exit", "exit_group", "faccessat", "faccessat2",
        "fadvise64", "fallocate", "fchdir", "fchmod", "fchmodat",
        "fchown", "fchownat", "fcntl", "fdatasync", "flock", "fork",
        "fstat", "fstatfs", "fsync", "ftruncate", "futex", "getcwd",
        "getdents", "getdents64", "getegid", "geteuid", "getgid",
        "getgroups", "getpeername", "getpgid", "getpgrp", "getpid",
        "getppid", "getpriority", "getrandom", "getresgid", "getresuid",
        "getrlimit", "getrusage", "getsid", "getsockname", "getsockopt",
        "gettid", "gettimeofday", "getuid", "getxattr", "inotify_add_watch",
        "inotify_init", "inotify_init1", "inotify_rm_watch", "ioctl",
        "kill", "lchown", "link", "linkat", "listen", "lseek", "lstat",
        "madvise", "membarrier", "memfd_create", "mkdir", "mkdirat",
        "mmap", "mprotect", "mremap", "msync", "munmap", "nanosleep",
        "newfstatat", "open", "openat", "openat2", "pause", "pipe",
        "pipe2", "poll", "ppoll", "prctl", "pread64", "preadv",
        "preadv2", "prlimit64", "pselect6", "pwrite64", "pwritev",
        "pwritev2", "read", "readahead", "readlink", "readlinkat",
        "readv", "recvfrom", "recvmmsg", "recvmsg", "rename",
        "renameat", "renameat2", "restart_syscall", "rmdir",
        "rt_sigaction", "rt_sigpending", "rt_sigprocmask",
        "rt_sigqueueinfo", "rt_sigreturn", "rt_sigsuspend",
        "rt_sigtimedwait", "sched_getaffinity", "sched_getparam",
        "sched_getscheduler", "sched_setaffinity", "sched_yield",
        "select", "sendfile", "sendmmsg", "sendmsg", "sendto",
        "set_robust_list", "set_tid_address", "setgid", "setgroups",
        "setitimer", "setpgid", "setpriority", "setresgid", "setresuid",
        "setrlimit", "setsid", "setsockopt", "setuid", "shutdown",
        "sigaltstack", "socket", "socketpair", "stat", "statfs",
        "statx", "symlink", "symlinkat", "sysinfo", "tgkill", "time",
        "timer_create", "timer_delete", "timer_settime", "timerfd_create",
        "timerfd_gettime", "timerfd_settime", "times", "tkill",
        "truncate", "umask", "uname", "unlink", "unlinkat", "utime",
        "utimensat", "utimes", "vfork", "wait4", "waitid", "write",
        "writev"
      ],
      "action": "SCMP_ACT_ALLOW"
    }
  ]
}
`

// SeccompProfilePath returns where the sandbox seccomp profile lives on the host.
func (m *Manager) SeccompProfilePath() string {
	return filepath.Join(m.root, "containers", "seccomp", "claude-code.json")
}

// ensureSeccompProfile writes the default profile if no profile exists.
// An operator-edited profile is left alone.
func (m *Manager) ensureSeccompProfile() error {
	path := m.SeccompProfilePath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.WriteFile(path, []byte(defaultSeccompProfile), 0o644); err != nil {
		return mapWriteErr(err)
	}
	m.logger.Info("default seccomp profile installed", zap.String("path", path))
	return nil
}
